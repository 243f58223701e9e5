package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amelia-dev/amelia/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage profiles and server settings",
}

var configProfileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage profiles",
}

var configProfileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		profiles, err := newClient(resolveAddr()).listProfiles()
		if err != nil {
			return err
		}
		for _, p := range profiles {
			marker := " "
			if p.Active {
				marker = "*"
			}
			fmt.Printf("%s %s  %s  %s\n", marker, p.ID, p.Name, p.WorkingDir)
		}
		return nil
	},
}

var configProfileShowCmd = &cobra.Command{
	Use:   "show PROFILE_ID",
	Short: "Show one profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newClient(resolveAddr()).getProfile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("name: %s\nworking_dir: %s\ntracker: %s\nplan_output: %s\nmax_review_iterations: %d\nactive: %v\n",
			p.Name, p.WorkingDir, p.Tracker, p.PlanOutput, p.MaxReviewIterations, p.Active)
		agents := make([]string, 0, len(p.Agents))
		for name := range p.Agents {
			agents = append(agents, name)
		}
		sort.Strings(agents)
		for _, name := range agents {
			a := p.Agents[name]
			fmt.Printf("agent %s: driver=%s model=%s\n", name, a.Driver, a.Model)
		}
		return nil
	},
}

var configProfileCreateCmd = &cobra.Command{
	Use:   "create PROFILE_YAML",
	Short: "Create a profile from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.LoadProfile(args[0])
		if err != nil {
			return err
		}
		created, err := newClient(resolveAddr()).createProfile(p)
		if err != nil {
			return err
		}
		fmt.Printf("created profile %s (%s)\n", created.ID, created.Name)
		return nil
	},
}

var configProfileEditCmd = &cobra.Command{
	Use:   "edit PROFILE_ID PROFILE_YAML",
	Short: "Replace a profile from a YAML file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.LoadProfile(args[1])
		if err != nil {
			return err
		}
		p.ID = args[0]
		if err := newClient(resolveAddr()).updateProfile(p); err != nil {
			return err
		}
		fmt.Printf("updated profile %s\n", p.ID)
		return nil
	},
}

var configProfileDeleteCmd = &cobra.Command{
	Use:   "delete PROFILE_ID",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient(resolveAddr()).deleteProfile(args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted profile %s\n", args[0])
		return nil
	},
}

var configProfileActivateCmd = &cobra.Command{
	Use:   "activate PROFILE_ID",
	Short: "Make a profile the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newClient(resolveAddr()).activateProfile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("activated profile %s (%s)\n", p.ID, p.Name)
		return nil
	},
}

var configServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage server settings",
}

var configServerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show server settings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := newClient(resolveAddr()).getSettings()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s=%s\n", k, settings[k])
		}
		return nil
	},
}

var configServerSetCmd = &cobra.Command{
	Use:   "set KEY=VALUE [KEY=VALUE...]",
	Short: "Set server settings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := make(map[string]string, len(args))
		for _, arg := range args {
			key, value, ok := strings.Cut(arg, "=")
			if !ok || key == "" {
				return fmt.Errorf("invalid setting %q: want KEY=VALUE", arg)
			}
			settings[key] = value
		}
		if _, err := newClient(resolveAddr()).putSettings(settings); err != nil {
			return err
		}
		fmt.Printf("updated %d setting(s)\n", len(settings))
		return nil
	},
}

var configServerResetCmd = &cobra.Command{
	Use:   "reset KEY [KEY...]",
	Short: "Reset server settings to their defaults",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := make(map[string]string, len(args))
		for _, key := range args {
			settings[key] = ""
		}
		if _, err := newClient(resolveAddr()).putSettings(settings); err != nil {
			return err
		}
		fmt.Printf("reset %d setting(s)\n", len(args))
		return nil
	},
}

func init() {
	configProfileCmd.AddCommand(configProfileListCmd)
	configProfileCmd.AddCommand(configProfileShowCmd)
	configProfileCmd.AddCommand(configProfileCreateCmd)
	configProfileCmd.AddCommand(configProfileEditCmd)
	configProfileCmd.AddCommand(configProfileDeleteCmd)
	configProfileCmd.AddCommand(configProfileActivateCmd)

	configServerCmd.AddCommand(configServerShowCmd)
	configServerCmd.AddCommand(configServerSetCmd)
	configServerCmd.AddCommand(configServerResetCmd)

	configCmd.AddCommand(configProfileCmd)
	configCmd.AddCommand(configServerCmd)
}
