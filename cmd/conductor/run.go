package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/clearbrook-ai/conductor"
	"github.com/clearbrook-ai/conductor/server"
)

func newRunCommand() *cobra.Command {
	var (
		configPath   string
		templateFile string
		inputs       []string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a single workflow template and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(configPath, templateFile, inputs, timeout)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&templateFile, "file", "f", "", "workflow template YAML file")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "request context entries as key=value")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall execution timeout")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runOnce(configPath, templateFile string, inputs []string, timeout time.Duration) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg)

	color.Blue("Loading template from: %s", templateFile)
	template, err := conductor.LoadTemplateFile(templateFile)
	if err != nil {
		return err
	}
	color.Cyan("Workflow type: %s (%d stages)", template.Type(), len(template.Stages()))

	payload := map[string]any{}
	for _, input := range inputs {
		key, value, ok := strings.Cut(input, "=")
		if !ok {
			return fmt.Errorf("invalid input %q, expected key=value", input)
		}
		payload[key] = value
	}

	library := conductor.NewLibrary()
	library.Add(template)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	registry := conductor.NewRegistry(conductor.RegistryOptions{Logger: logger})
	for _, candidate := range cfg.Candidates() {
		registry.Register(candidate)
	}
	registry.StartHealthChecks(ctx)

	router, err := conductor.NewRouter(conductor.RouterOptions{
		Registry:     registry,
		Logger:       logger,
		Synthesizers: staticSynthesizers(library),
	})
	if err != nil {
		return err
	}
	scheduler, err := conductor.NewScheduler(conductor.SchedulerOptions{
		Executor:            router,
		Logger:              logger,
		Workers:             cfg.Workers,
		PerCandidateTimeout: cfg.PerCandidateTimeout,
		CeilingFactor:       cfg.CeilingFactor,
	})
	if err != nil {
		return err
	}
	manager, err := conductor.NewManager(conductor.ManagerOptions{
		Templates: library,
		Scheduler: scheduler,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	workflowID, err := manager.Start(ctx, template.Type(), payload)
	if err != nil {
		return err
	}

	instance, err := manager.Instance(workflowID)
	if err != nil {
		return err
	}
	if err := instance.Wait(ctx); err != nil {
		manager.Cancel(workflowID)
		return fmt.Errorf("execution timed out after %s", timeout)
	}

	report, err := manager.Result(workflowID)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func printReport(report *conductor.FinalReport) {
	fmt.Println()
	switch report.Status {
	case conductor.InstanceStatusCompleted:
		color.Green("Workflow %s: %s", report.WorkflowID, report.Status)
	default:
		color.Red("Workflow %s: %s", report.WorkflowID, report.Status)
	}
	if report.Summary.Degraded {
		color.Yellow("Report contains degraded results")
	}
	color.White("Confidence: %.2f", report.Confidence)
	color.White("Stages: %d completed, %d skipped, %d failed",
		report.Summary.Completed, report.Summary.Skipped, report.Summary.Failed)

	stageIDs := make([]string, 0, len(report.Details))
	for stageID := range report.Details {
		stageIDs = append(stageIDs, stageID)
	}
	sort.Strings(stageIDs)
	for _, stageID := range stageIDs {
		detail := report.Details[stageID]
		line := fmt.Sprintf("  %-20s %-10s confidence=%.2f attempts=%d",
			stageID, detail.Status, detail.Confidence, detail.Attempts)
		if detail.Degraded {
			color.Yellow("%s (degraded)", line)
		} else {
			fmt.Println(line)
		}
	}
}
