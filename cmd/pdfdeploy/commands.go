package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/raphacure/pdfdeploy/internal/preflight"
	"github.com/raphacure/pdfdeploy/internal/smoke"
	"github.com/raphacure/pdfdeploy/pkg/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [environment]",
		Short: "Check credentials, toolchain and build inputs without mutating anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				names = cfg.Names()
			}

			for _, name := range names {
				a, err := newApp(cmd.Context(), name)
				if err != nil {
					return err
				}
				report, err := a.validator.Validate(cmd.Context(), a.env)
				if err != nil {
					printReport(cmd, name, report)
					return err
				}
				printReport(cmd, name, report)
			}
			return nil
		},
	}
}

func newDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <environment>",
		Short: "Build, deploy and expose the service for one environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			result, err := a.orch.Deploy(cmd.Context(), a.env)
			if err != nil {
				return err
			}

			cmd.Printf("function: %s\n", result.FunctionArn)
			cmd.Printf("role:     %s\n", result.RoleArn)
			cmd.Printf("api:      %s\n", result.APIID)
			cmd.Printf("endpoint: %s\n", result.Endpoint)
			for _, layer := range result.Layers {
				cmd.Printf("layer:    %s\n", layer.Arn)
			}
			return nil
		},
	}
}

func newBuildLayersCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "build-layers <environment>",
		Short: "Build and publish the environment's layers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			versions, err := a.builder.BuildLayers(cmd.Context(), a.env, force)
			if err != nil {
				return err
			}
			if len(versions) == 0 {
				cmd.Println("no layers declared")
				return nil
			}
			for _, v := range versions {
				cmd.Printf("layer:    %s (version %d)\n", v.Arn, v.Version)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "republish even when content is unchanged")
	return cmd
}

func newSetupMonitoringCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup-monitoring <environment> [notification-address]",
		Short: "Apply dashboard, alarms, notification channel and saved queries",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			address := ""
			if len(args) == 2 {
				address = args[1]
			}
			if err := a.orch.Monitor(cmd.Context(), a.env, address); err != nil {
				return err
			}

			cmd.Printf("dashboard: %s\n", a.env.DashboardName())
			cmd.Printf("topic:     %s\n", a.env.TopicName())
			return nil
		},
	}
}

func newSmokeTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "smoke-test <environment>",
		Short: "Probe the deployed endpoint's health routes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			// Resolve the endpoint from the deployed gateway state.
			apiID, err := a.orch.Gateway.EnsureAPI(cmd.Context(), a.env.APIName())
			if err != nil {
				return err
			}
			endpoint, err := a.orch.Gateway.DeployStage(cmd.Context(), apiID, a.env.StageName)
			if err != nil {
				return err
			}

			tester := smoke.NewTester(a.logger)
			results, err := tester.Run(cmd.Context(), endpoint)
			for _, r := range results {
				status := "ok"
				if !r.OK {
					status = "FAIL"
				}
				cmd.Printf("%-24s %4s  status=%d  %s\n", r.Path, status, r.StatusCode, r.Duration.Round(time.Millisecond))
			}
			return err
		},
	}
}

func printReport(cmd *cobra.Command, envName string, report *preflight.Report) {
	for _, check := range report.Checks {
		status := "ok"
		if !check.OK {
			status = "FAIL"
		}
		cmd.Printf("%s: %-20s %4s  %s\n", envName, check.Name, status, check.Detail)
	}
}
