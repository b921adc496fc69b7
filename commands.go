package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/ui"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/versia"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// withEngine opens the engine for an admin command and closes it afterwards.
func withEngine(fn func(cmd *cobra.Command, e *engine, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ui.SetupOutput(cmd.OutOrStdout())
		e, err := openEngine(configFile, false)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(cmd, e, args)
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local accounts",
	}

	var displayName, summary string
	var locked bool
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a local account with a fresh signing key",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, e *engine, args []string) error {
			pair, err := util.GenerateKeyPair()
			if err != nil {
				return err
			}
			acc := &domain.Account{
				Username:      args[0],
				DisplayName:   displayName,
				Summary:       summary,
				Locked:        locked,
				PublicKey:     pair.Public,
				PrivateKeyPem: pair.Private,
			}
			if err := e.db.CreateAccount(cmd.Context(), acc); err != nil {
				return fmt.Errorf("create account: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", e.instance.ActorURI(acc.Username))
			return nil
		}),
	}
	add.Flags().StringVar(&displayName, "display-name", "", "display name")
	add.Flags().StringVar(&summary, "summary", "", "profile bio")
	add.Flags().BoolVar(&locked, "locked", false, "require approval of follow requests")

	list := &cobra.Command{
		Use:   "list",
		Short: "List local accounts",
		RunE: withEngine(func(cmd *cobra.Command, e *engine, args []string) error {
			accounts, err := e.db.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(accounts))
			for _, acc := range accounts {
				rows = append(rows, []string{
					acc.Username,
					e.instance.ActorURI(acc.Username),
					strconv.FormatBool(acc.Locked),
					acc.CreatedAt.Format(time.DateTime),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"USERNAME", "URI", "LOCKED", "CREATED"}, rows))
			return nil
		}),
	}

	lock := &cobra.Command{
		Use:   "lock <username> <true|false>",
		Short: "Require or stop requiring approval of follow requests",
		Args:  cobra.ExactArgs(2),
		RunE: withEngine(func(cmd *cobra.Command, e *engine, args []string) error {
			value, err := strconv.ParseBool(args[1])
			if err != nil {
				return err
			}
			return e.db.SetAccountLocked(cmd.Context(), args[0], value)
		}),
	}

	cmd.AddCommand(add, list, lock)
	return cmd
}

func noteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Publish notes",
	}

	var visibility string
	post := &cobra.Command{
		Use:   "post <username> <text>",
		Short: "Publish a note and queue it for every follower",
		Args:  cobra.ExactArgs(2),
		RunE: withEngine(func(cmd *cobra.Command, e *engine, args []string) error {
			acc, err := e.db.AccountByUsername(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("account %s: %w", args[0], err)
			}
			note, jobs, err := e.publisher.PostNote(cmd.Context(), acc, args[1], versia.Visibility(visibility))
			if note != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "posted %s (%d deliveries queued)\n", note.URI, jobs)
			}
			return err
		}),
	}
	post.Flags().StringVar(&visibility, "visibility", "public", "public, unlisted, followers or direct")

	var limit int
	list := &cobra.Command{
		Use:   "list <username>",
		Short: "List the newest notes of a local account with their reactions",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, e *engine, args []string) error {
			notes, err := e.db.NotesByAuthor(cmd.Context(), e.instance.ActorURI(args[0]), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(notes))
			for _, note := range notes {
				reactions, err := e.db.ReactionsFor(cmd.Context(), note.URI)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					note.URI,
					ui.Truncate(note.Content, 40),
					note.Visibility,
					strconv.Itoa(len(reactions)),
					note.CreatedAt.Format(time.DateTime),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"URI", "CONTENT", "VISIBILITY", "REACTIONS", "CREATED"}, rows))
			return nil
		}),
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of notes")

	cmd.AddCommand(post, list)
	return cmd
}

func reportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Review inbound moderation reports",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the newest reports",
		RunE: withEngine(func(cmd *cobra.Command, e *engine, args []string) error {
			reports, err := e.db.ListReports(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(reports))
			for _, r := range reports {
				author := r.AuthorURI
				if author == "" {
					author = "anonymous"
				}
				rows = append(rows, []string{
					author,
					ui.Truncate(strings.Join(r.Reported, " "), 48),
					strings.Join(r.Tags, ","),
					ui.Truncate(r.Comment, 40),
					r.CreatedAt.Format(time.DateTime),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"AUTHOR", "REPORTED", "TAGS", "COMMENT", "RECEIVED"}, rows))
			return nil
		}),
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of reports")

	cmd.AddCommand(list)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show instance totals",
		RunE: withEngine(func(cmd *cobra.Command, e *engine, args []string) error {
			ctx := cmd.Context()
			accounts, err := e.db.ListAccounts(ctx)
			if err != nil {
				return err
			}
			notes, err := e.db.CountNotes(ctx)
			if err != nil {
				return err
			}
			remotes, err := e.db.CountRemoteActors(ctx)
			if err != nil {
				return err
			}
			failed, err := e.db.ListDeliveryJobs(ctx, domain.DeliveryFailed, 1000)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"", "TOTAL"}, [][]string{
				{"local accounts", strconv.Itoa(len(accounts))},
				{"notes", strconv.Itoa(notes)},
				{"known remote actors", strconv.Itoa(remotes)},
				{"dead-lettered deliveries", strconv.Itoa(len(failed))},
			}))
			return nil
		}),
	}
}

func followCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "follow <username> <user@host|actor-uri>",
		Short: "Send a follow request to a remote actor",
		Args:  cobra.ExactArgs(2),
		RunE: withEngine(func(cmd *cobra.Command, e *engine, args []string) error {
			acc, err := e.db.AccountByUsername(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("account %s: %w", args[0], err)
			}
			rel, err := e.publisher.Follow(cmd.Context(), acc, args[1])
			if rel != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "follow %s -> %s is %s\n", rel.FollowerURI, rel.FolloweeURI, rel.Status)
			}
			return err
		}),
	}
}

func deliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Inspect the outbound delivery queue",
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List delivery jobs by status",
		RunE: withEngine(func(cmd *cobra.Command, e *engine, args []string) error {
			jobs, err := e.db.ListDeliveryJobs(cmd.Context(), domain.DeliveryStatus(status), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				next := job.NextAttemptAt.Format(time.DateTime)
				if job.Status.Terminal() {
					next = "-"
				}
				rows = append(rows, []string{
					job.Id.String(),
					ui.DeliveryStatus(job.Status),
					strconv.Itoa(job.AttemptCount),
					ui.Truncate(job.TargetInboxURI, 48),
					next,
					ui.Truncate(job.LastError, 40),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"ID", "STATUS", "ATTEMPTS", "INBOX", "NEXT ATTEMPT", "LAST ERROR"}, rows))
			return nil
		}),
	}
	list.Flags().StringVar(&status, "status", string(domain.DeliveryFailed), "pending, in_flight, delivered or failed")
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")

	requeue := &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Enqueue a fresh copy of a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, e *engine, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("job id: %w", err)
			}
			copyId, err := e.db.RequeueJob(cmd.Context(), id, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.CaptionStyle.Render("requeued "+id.String()+" as "+copyId.String()))
			return nil
		}),
	}

	cmd.AddCommand(list, requeue)
	return cmd
}
