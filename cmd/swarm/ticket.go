package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fentz26/swarm/internal/controlplane"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/store"
	"github.com/spf13/cobra"
)

var ticketCmd = &cobra.Command{
	Use:     "ticket",
	Aliases: []string{"t"},
	Short:   "Manage tickets",
}

var ticketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new ticket",
	RunE:  runTicketCreate,
}

var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets",
	RunE:  runTicketList,
}

var ticketShowCmd = &cobra.Command{
	Use:   "show [ticket-id]",
	Short: "Show ticket details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketShow,
}

var ticketEventsCmd = &cobra.Command{
	Use:   "events [ticket-id]",
	Short: "Show the event log, for one ticket or all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTicketEvents,
}

var ticketFeedbackCmd = &cobra.Command{
	Use:   "feedback [ticket-id]",
	Short: "Show every round of verification feedback for a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketFeedback,
}

var ticketReplayCmd = &cobra.Command{
	Use:   "replay [ticket-id]",
	Short: "Replay a ticket's events and compare with its cached state",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketReplay,
}

var ticketRebuildCmd = &cobra.Command{
	Use:   "rebuild [ticket-id]",
	Short: "Overwrite a ticket's cached state with the replayed one",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketRebuild,
}

var ticketClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the next dispatchable ticket",
	RunE:  runTicketClaim,
}

var ticketStartCmd = &cobra.Command{
	Use:   "start [ticket-id]",
	Short: "Mark a claimed ticket as in progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketStart,
}

var ticketRenewCmd = &cobra.Command{
	Use:   "renew [ticket-id]",
	Short: "Extend a ticket lease",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketRenew,
}

var ticketReportCmd = &cobra.Command{
	Use:   "report [ticket-id]",
	Short: "Report a worker result",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketReport,
}

var ticketVerifyCmd = &cobra.Command{
	Use:   "verify [ticket-id]",
	Short: "Report a verification verdict for a ticket under review",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketVerify,
}

var ticketReleaseCmd = &cobra.Command{
	Use:   "release [ticket-id]",
	Short: "Give up a ticket lease and return it to ready",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketRelease,
}

var ticketAddDepCmd = &cobra.Command{
	Use:   "add-dep [ticket-id] [depends-on-id]",
	Short: "Add a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE:  runTicketAddDep,
}

var ticketRmDepCmd = &cobra.Command{
	Use:   "rm-dep [ticket-id] [depends-on-id]",
	Short: "Remove a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE:  runTicketRmDep,
}

var ticketCancelCmd = &cobra.Command{
	Use:   "cancel [ticket-id]",
	Short: "Cancel a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketCancel,
}

var ticketRequeueCmd = &cobra.Command{
	Use:   "requeue [ticket-id]",
	Short: "Return a held ticket to ready",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketRequeue,
}

var ticketPromoteCmd = &cobra.Command{
	Use:   "promote [ticket-id]",
	Short: "Promote a draft ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketPromote,
}

var ticketCountsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show the number of tickets in each state",
	Args:  cobra.NoArgs,
	RunE:  runTicketCounts,
}

var (
	jsonOut bool
	actorID string

	ticketTitle     string
	ticketDesc      string
	ticketClass     string
	ticketProject   string
	createProject   string
	ticketPriority  int
	ticketDependsOn []string
	ticketDraft     bool
	ticketState     string
	listLimit       int

	eventKind  string
	eventAfter int64

	leaseID       string
	leaseDuration time.Duration
	reason        string

	outcomeKind  string
	artifact     string
	artifactFile string
	reasonCode   string
	feedbackFile string
	verdict      string
)

func init() {
	ticketCmd.AddCommand(ticketCreateCmd, ticketListCmd, ticketShowCmd, ticketEventsCmd, ticketFeedbackCmd,
		ticketReplayCmd, ticketRebuildCmd, ticketClaimCmd, ticketStartCmd, ticketRenewCmd, ticketReportCmd,
		ticketVerifyCmd, ticketReleaseCmd, ticketAddDepCmd, ticketRmDepCmd, ticketCancelCmd, ticketRequeueCmd,
		ticketPromoteCmd, ticketCountsCmd)

	hostname, _ := os.Hostname()
	defaultActor := fmt.Sprintf("cli@%s", hostname)
	ticketCmd.PersistentFlags().StringVar(&actorID, "actor", defaultActor, "Actor recorded on events and used as lease assignee")
	ticketCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print JSON instead of text")

	ticketCreateCmd.Flags().StringVar(&ticketTitle, "title", "", "Ticket title (required)")
	ticketCreateCmd.Flags().StringVar(&ticketDesc, "desc", "", "Ticket description")
	ticketCreateCmd.Flags().StringVar(&ticketClass, "class", "", "Worker class (required)")
	ticketCreateCmd.Flags().StringVar(&createProject, "project", "default", "Project id")
	ticketCreateCmd.Flags().IntVar(&ticketPriority, "priority", 0, "Priority, lower is dispatched first")
	ticketCreateCmd.Flags().StringSliceVar(&ticketDependsOn, "depends-on", nil, "Ticket ids this ticket waits for")
	ticketCreateCmd.Flags().BoolVar(&ticketDraft, "draft", false, "Create in draft instead of promoting")
	ticketCreateCmd.MarkFlagRequired("title")
	ticketCreateCmd.MarkFlagRequired("class")

	ticketListCmd.Flags().StringVar(&ticketState, "state", "", "Filter by state")
	ticketListCmd.Flags().StringVar(&ticketClass, "class", "", "Filter by worker class")
	ticketListCmd.Flags().StringVar(&ticketProject, "project", "", "Filter by project")
	ticketListCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of tickets")

	ticketEventsCmd.Flags().StringVar(&eventKind, "kind", "", "Filter by event kind")
	ticketEventsCmd.Flags().Int64Var(&eventAfter, "after", 0, "Only events with a greater sequence number")
	ticketEventsCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of events")

	ticketClaimCmd.Flags().StringVar(&ticketClass, "class", "", "Worker class to claim for (required)")
	ticketClaimCmd.Flags().StringVar(&ticketProject, "project", "", "Only claim from this project")
	ticketClaimCmd.Flags().DurationVar(&leaseDuration, "ttl", 5*time.Minute, "Lease duration")
	ticketClaimCmd.MarkFlagRequired("class")

	for _, c := range []*cobra.Command{ticketStartCmd, ticketRenewCmd, ticketReportCmd, ticketVerifyCmd, ticketReleaseCmd} {
		c.Flags().StringVar(&leaseID, "lease", "", "Lease id returned by claim (required)")
		c.MarkFlagRequired("lease")
	}
	ticketRenewCmd.Flags().DurationVar(&leaseDuration, "duration", 5*time.Minute, "New lease duration from now")

	ticketReportCmd.Flags().StringVar(&outcomeKind, "outcome", "success", "Outcome: success, verification_failed, error")
	ticketReportCmd.Flags().StringVar(&artifact, "artifact", "", "Artifact produced by the worker")
	ticketReportCmd.Flags().StringVar(&artifactFile, "artifact-file", "", "Read the artifact from a file")
	ticketReportCmd.Flags().StringVar(&reasonCode, "code", "", "Failure code used for retry classification")
	ticketReportCmd.Flags().StringVar(&reason, "message", "", "Failure message")
	ticketReportCmd.Flags().StringVar(&feedbackFile, "feedback-file", "", "JSON file with a list of feedback items")

	ticketVerifyCmd.Flags().StringVar(&verdict, "status", "", "Verdict: passed or failed (required)")
	ticketVerifyCmd.Flags().StringVar(&reasonCode, "code", "", "Failure code")
	ticketVerifyCmd.Flags().StringVar(&reason, "message", "", "Failure message")
	ticketVerifyCmd.Flags().StringVar(&feedbackFile, "feedback-file", "", "JSON file with a list of feedback items")
	ticketVerifyCmd.MarkFlagRequired("status")

	for _, c := range []*cobra.Command{ticketReleaseCmd, ticketCancelCmd, ticketRequeueCmd} {
		c.Flags().StringVar(&reason, "reason", "", "Reason recorded on the event")
	}
}

// withService opens the store for the duration of one command.
func withService(fn func(ctx context.Context, svc *controlplane.Service) error) error {
	svc, s, err := openService(nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(context.Background(), svc)
}

func printResult(t *models.Ticket, verb string) error {
	if jsonOut {
		return printJSON(t)
	}
	fmt.Printf("%s ticket %s: %s\n", verb, t.ID, stateCell(t.State))
	return nil
}

func readFeedback(path string) ([]models.FeedbackItem, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []models.FeedbackItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse feedback file: %w", err)
	}
	return items, nil
}

func runTicketCreate(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		t, err := svc.CreateTicket(ctx, store.NewTicket{
			Title:       ticketTitle,
			Description: ticketDesc,
			WorkerClass: ticketClass,
			ProjectID:   createProject,
			Priority:    ticketPriority,
			DependsOn:   ticketDependsOn,
			Draft:       ticketDraft,
			Actor:       actorID,
		})
		if err != nil {
			return err
		}
		return printResult(t, "Created")
	})
}

func runTicketList(cmd *cobra.Command, args []string) error {
	q := store.TicketQuery{
		State:       models.State(ticketState),
		WorkerClass: ticketClass,
		ProjectID:   ticketProject,
		Limit:       listLimit,
	}
	if q.State != "" && !q.State.Valid() {
		return fmt.Errorf("unknown state %q", ticketState)
	}
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		tickets, err := svc.ListTickets(ctx, q)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(tickets)
		}
		printTickets(tickets)
		return nil
	})
}

func runTicketShow(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		t, err := svc.GetTicket(ctx, args[0])
		if err != nil {
			return err
		}
		outstanding, err := svc.Outstanding(ctx, t.ID)
		if err != nil {
			return err
		}
		attempts, err := svc.Attempts(ctx, t.ID)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(struct {
				*models.Ticket
				Outstanding []string         `json:"outstanding,omitempty"`
				Attempts    []models.Attempt `json:"attempts,omitempty"`
			}{t, outstanding, attempts})
		}
		printTicket(t, outstanding, attempts)
		return nil
	})
}

func runTicketEvents(cmd *cobra.Command, args []string) error {
	q := store.EventQuery{Kind: models.EventKind(eventKind), AfterSeq: eventAfter, Limit: listLimit}
	if len(args) == 1 {
		q.TicketID = args[0]
	}
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		events, err := svc.Events(ctx, q)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(events)
		}
		printEvents(events)
		return nil
	})
}

func runTicketFeedback(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		rounds, err := svc.FeedbackHistory(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(rounds)
		}
		if len(rounds) == 0 {
			fmt.Println("No feedback recorded")
			return nil
		}
		for i, items := range rounds {
			fmt.Println(paint(sectionStyle, fmt.Sprintf("Round %d", i+1)))
			for _, f := range items {
				loc := ""
				if f.File != "" {
					loc = f.File + ": "
				}
				fmt.Printf("  [%s] %s%s\n", f.Severity, loc, f.Message)
			}
		}
		return nil
	})
}

func runTicketReplay(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		p, err := svc.VerifyProjection(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(p)
		}
		field("Events", p.Events)
		field("Replayed", stateCell(p.Replayed))
		field("Cached", stateCell(p.Cached))
		if !p.Consistent() {
			fmt.Println("Projection is stale; run 'swarm ticket rebuild' to repair it")
		}
		return nil
	})
}

func runTicketRebuild(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		state, err := svc.RebuildProjection(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Rebuilt ticket %s: %s\n", args[0], stateCell(state))
		return nil
	})
}

func runTicketClaim(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		t, err := svc.ClaimNext(ctx, store.Filter{WorkerClass: ticketClass, ProjectID: ticketProject}, actorID, leaseDuration)
		if err != nil {
			return err
		}
		if t == nil {
			if jsonOut {
				return printJSON(nil)
			}
			fmt.Println("No claimable ticket")
			return nil
		}
		if jsonOut {
			return printJSON(t)
		}
		fmt.Printf("Claimed ticket %s\n", t.ID)
		fmt.Printf("Lease ID: %s\n", t.Owner.LeaseID)
		fmt.Printf("Expires:  %s\n", t.Owner.ExpiresAt.Local().Format(time.RFC3339))
		return nil
	})
}

func runTicketStart(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		t, err := svc.Start(ctx, args[0], leaseID)
		if err != nil {
			return err
		}
		return printResult(t, "Started")
	})
}

func runTicketRenew(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		t, err := svc.RenewLease(ctx, args[0], leaseID, leaseDuration)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(t)
		}
		fmt.Printf("Renewed lease on %s until %s\n", t.ID, t.Owner.ExpiresAt.Local().Format(time.RFC3339))
		return nil
	})
}

func runTicketReport(cmd *cobra.Command, args []string) error {
	feedback, err := readFeedback(feedbackFile)
	if err != nil {
		return err
	}
	if artifactFile != "" {
		data, err := os.ReadFile(artifactFile)
		if err != nil {
			return err
		}
		artifact = string(data)
	}

	r := models.Reason{Code: reasonCode, Message: reason}
	var out models.Outcome
	switch models.OutcomeKind(outcomeKind) {
	case models.OutcomeSuccess:
		out = models.Success(artifact)
	case models.OutcomeVerificationFailed:
		out = models.VerificationFailed(r, feedback)
	case models.OutcomeError:
		out = models.Failure(r)
	default:
		return fmt.Errorf("unknown outcome %q (want success, verification_failed or error)", outcomeKind)
	}

	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		t, err := svc.ReportResult(ctx, args[0], leaseID, out)
		if err != nil {
			return err
		}
		return printResult(t, "Reported")
	})
}

func runTicketVerify(cmd *cobra.Command, args []string) error {
	feedback, err := readFeedback(feedbackFile)
	if err != nil {
		return err
	}
	v := models.Verdict{
		Status:   models.VerdictStatus(verdict),
		Reason:   models.Reason{Code: reasonCode, Message: reason},
		Feedback: feedback,
	}
	if v.Status != models.VerdictPassed && v.Status != models.VerdictFailed {
		return fmt.Errorf("unknown verdict %q (want passed or failed)", verdict)
	}
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		t, err := svc.ReportVerification(ctx, args[0], leaseID, v)
		if err != nil {
			return err
		}
		return printResult(t, "Verified")
	})
}

func runTicketRelease(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		t, err := svc.Release(ctx, args[0], leaseID, reason)
		if err != nil {
			return err
		}
		return printResult(t, "Released")
	})
}

func runTicketAddDep(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		if err := svc.AddDependency(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Ticket %s now depends on %s\n", args[0], args[1])
		return nil
	})
}

func runTicketRmDep(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		t, err := svc.RemoveDependency(ctx, args[0], args[1], actorID)
		if err != nil {
			return err
		}
		return printResult(t, "Updated")
	})
}

func runTicketCancel(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		t, err := svc.Cancel(ctx, args[0], actorID, reason)
		if err != nil {
			return err
		}
		return printResult(t, "Cancelled")
	})
}

func runTicketRequeue(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		t, err := svc.Requeue(ctx, args[0], actorID, reason)
		if err != nil {
			return err
		}
		return printResult(t, "Requeued")
	})
}

func runTicketPromote(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		t, err := svc.Promote(ctx, args[0], actorID)
		if err != nil {
			return err
		}
		return printResult(t, "Promoted")
	})
}

func runTicketCounts(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		counts, err := svc.Counts(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(counts)
		}
		for _, st := range models.AllStates {
			if n := counts[st]; n > 0 {
				fmt.Printf("%s %d\n", stateCell(st), n)
			}
		}
		return nil
	})
}
