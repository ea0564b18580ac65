package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BradMann09/FamilyVault/audit"
	"github.com/spf13/cobra"
)

var (
	auditSince         string
	auditUntil         string
	auditAction        string
	auditActor         string
	auditTarget        string
	auditSuccessFilter string
	auditFailuresOnly  bool
	auditLimit         int
	auditDetails       bool
	auditAll           bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long: `Query the audit trail recorded for vault operations and CLI commands.
Queries need a sink that can be read back (file or memory).`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events",
	Example: `  familyvault audit query --since 24h
  familyvault audit query --action item_decrypt --target <vault-id>
  familyvault audit query --actor <profile-id> --failures -o json`,
	RunE: runAuditQuery,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		auditFailuresOnly = true
		return runAuditQuery(cmd, args)
	},
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize audit events by action and actor",
	RunE:  runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd, auditFailuresCmd, auditStatsCmd)

	for _, c := range []*cobra.Command{auditQueryCmd, auditFailuresCmd, auditStatsCmd} {
		c.Flags().StringVar(&auditSince, "since", "", "only events after this time (RFC3339 or a duration such as 24h)")
		c.Flags().StringVar(&auditUntil, "until", "", "only events before this time (RFC3339 or a duration)")
		c.Flags().StringVar(&auditAction, "action", "", "filter by action")
		c.Flags().StringVar(&auditActor, "actor", "", "filter by actor id")
		c.Flags().StringVar(&auditTarget, "target", "", "filter by target (vault or item id)")
	}
	for _, c := range []*cobra.Command{auditQueryCmd, auditFailuresCmd} {
		c.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of events")
		c.Flags().BoolVar(&auditDetails, "details", false, "show every field of each event")
		c.Flags().BoolVar(&auditAll, "all", false, "include CLI command events")
	}
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "filter by outcome (true or false)")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures", false, "only failed operations")
}

// parseTimeFlag accepts an RFC3339 timestamp or a duration counted back from now
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		t := time.Now().Add(-d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: expected RFC3339 time or duration", name)
	}
	return &t, nil
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Action: auditAction,
		Actor:  auditActor,
		Target: auditTarget,
		Limit:  auditLimit,
	}

	var err error
	if options.Since, err = parseTimeFlag("since", auditSince); err != nil {
		return options, err
	}
	if options.Until, err = parseTimeFlag("until", auditUntil); err != nil {
		return options, err
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}
	if auditFailuresOnly {
		failed := false
		options.Success = &failed
	}
	return options, nil
}

// isCommandEvent reports whether e was recorded by the CLI rather than the vault engine
func isCommandEvent(e audit.Event) bool {
	return strings.HasPrefix(e.Action, "command_")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	if !auditAll && options.Action == "" {
		// command events would crowd out the limit
		options.Limit = 0
	}
	result, err := auditLogger.Query(options)
	if err != nil {
		return err
	}

	events := result.Events
	if !auditAll && auditAction == "" {
		filtered := events[:0]
		for _, e := range events {
			if !isCommandEvent(e) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
		if auditLimit > 0 && len(events) > auditLimit {
			events = events[:auditLimit]
		}
	}

	return printOutput(events, func(w *tabwriter.Writer) {
		displayAuditEvents(w, events)
	})
}

func displayAuditEvents(w *tabwriter.Writer, events []audit.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No audit events found.")
		return
	}

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Local().Format(time.DateTime))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))
			if event.Actor != "" {
				fmt.Fprintf(w, "Actor:\t%s\n", event.Actor)
			}
			if event.Target != "" {
				fmt.Fprintf(w, "Target:\t%s\n", event.Target)
			}
			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if len(event.Metadata) > 0 {
				keys := make([]string, 0, len(event.Metadata))
				for k := range event.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintln(w)
			}
			fmt.Fprintln(w, "----------------------------------------")
		}
		return
	}

	fmt.Fprintln(w, "TIMESTAMP\tACTION\tSTATUS\tACTOR\tTARGET\tERROR")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Local().Format(time.DateTime), event.Action, eventStatus(event),
			truncate(event.Actor, 12), truncate(event.Target, 24), truncate(event.Error, 30))
	}
}

func eventStatus(e audit.Event) string {
	if e.Success {
		return "SUCCESS"
	}
	return "FAILED"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// AuditStats summarizes a set of audit events
type AuditStats struct {
	GeneratedAt      time.Time      `json:"generated_at" yaml:"generated_at"`
	TotalEvents      int            `json:"total_events" yaml:"total_events"`
	SuccessfulEvents int            `json:"successful_events" yaml:"successful_events"`
	FailedEvents     int            `json:"failed_events" yaml:"failed_events"`
	SuccessRate      float64        `json:"success_rate" yaml:"success_rate"`
	ActionBreakdown  map[string]int `json:"action_breakdown" yaml:"action_breakdown"`
	ActorBreakdown   map[string]int `json:"actor_breakdown" yaml:"actor_breakdown"`
	TopFailedActions []ActionCount  `json:"top_failed_actions" yaml:"top_failed_actions"`
	FirstEvent       *time.Time     `json:"first_event,omitempty" yaml:"first_event,omitempty"`
	LastEvent        *time.Time     `json:"last_event,omitempty" yaml:"last_event,omitempty"`
}

type ActionCount struct {
	Action string `json:"action" yaml:"action"`
	Count  int    `json:"count" yaml:"count"`
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 0
	result, err := auditLogger.Query(options)
	if err != nil {
		return err
	}

	stats := calculateAuditStats(result.Events)
	return printOutput(stats, func(w *tabwriter.Writer) {
		displayAuditStats(w, stats)
	})
}

func calculateAuditStats(events []audit.Event) AuditStats {
	stats := AuditStats{
		GeneratedAt:     time.Now(),
		ActionBreakdown: make(map[string]int),
		ActorBreakdown:  make(map[string]int),
	}
	failed := make(map[string]int)

	for _, e := range events {
		if isCommandEvent(e) {
			continue
		}
		stats.TotalEvents++
		stats.ActionBreakdown[e.Action]++
		if e.Actor != "" {
			stats.ActorBreakdown[e.Actor]++
		}
		if e.Success {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			failed[e.Action]++
		}

		ts := e.Timestamp
		if stats.FirstEvent == nil || ts.Before(*stats.FirstEvent) {
			stats.FirstEvent = &ts
		}
		if stats.LastEvent == nil || ts.After(*stats.LastEvent) {
			stats.LastEvent = &ts
		}
	}

	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100
	}
	stats.TopFailedActions = topActions(failed, 5)
	return stats
}

func topActions(counts map[string]int, limit int) []ActionCount {
	out := make([]ActionCount, 0, len(counts))
	for action, count := range counts {
		out = append(out, ActionCount{Action: action, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Action < out[j].Action
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func displayAuditStats(w *tabwriter.Writer, stats AuditStats) {
	fmt.Fprintf(w, "Total events:\t%d\n", stats.TotalEvents)
	fmt.Fprintf(w, "Successful:\t%d\n", stats.SuccessfulEvents)
	fmt.Fprintf(w, "Failed:\t%d\n", stats.FailedEvents)
	fmt.Fprintf(w, "Success rate:\t%.1f%%\n", stats.SuccessRate)
	if stats.FirstEvent != nil {
		fmt.Fprintf(w, "First event:\t%s\n", stats.FirstEvent.Local().Format(time.DateTime))
		fmt.Fprintf(w, "Last event:\t%s\n", stats.LastEvent.Local().Format(time.DateTime))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "ACTION\tCOUNT")
	for _, a := range topActions(stats.ActionBreakdown, len(stats.ActionBreakdown)) {
		fmt.Fprintf(w, "%s\t%d\n", a.Action, a.Count)
	}

	if len(stats.TopFailedActions) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "FAILED ACTION\tCOUNT")
		for _, a := range stats.TopFailedActions {
			fmt.Fprintf(w, "%s\t%d\n", a.Action, a.Count)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "ACTOR\tEVENTS")
	for _, a := range topActions(stats.ActorBreakdown, len(stats.ActorBreakdown)) {
		fmt.Fprintf(w, "%s\t%d\n", a.Action, a.Count)
	}
}
