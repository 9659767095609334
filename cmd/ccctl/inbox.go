package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"commandcenter/internal/inbox"
	"commandcenter/internal/model"
	"commandcenter/internal/session"
)

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List and process inbox threads",
	}
	cmd.AddCommand(
		inboxListCmd(),
		inboxDoneCmd(),
		inboxStatusCmd(),
		inboxChatStatusCmd(),
		inboxSpamCmd(),
		inboxDeleteCmd(),
		inboxDownloadCmd(),
	)
	return cmd
}

// withSession 建立 app 和 session，执行 fn 后等待后台调用结束
func withSession(cmd *cobra.Command, ref string, reviewer session.AttachmentReviewer, fn func(ctx context.Context, a *app, s *session.Session) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	d := a.deps
	d.Notifier = printNotifier{out: cmd.ErrOrStderr()}
	d.Reviewer = reviewer
	s, err := a.session(ctx, ref, d)
	if err != nil {
		return err
	}
	if err := fn(ctx, a, s); err != nil {
		return err
	}
	return s.Wait()
}

func inboxListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inbox threads, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.lister.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("load inbox: %w", err)
			}
			v := inbox.NewView(items)
			threads := v.InboxThreads()
			if all {
				threads = v.Threads()
			}
			printThreads(cmd.OutOrStdout(), threads)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include tagged and archiving threads")
	return cmd
}

func printThreads(out io.Writer, threads []inbox.Thread) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tFROM\tSUBJECT\tEMAILS\tSTATUS\tDATE")
	for i, t := range threads {
		status := string(t.Status)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			i+1,
			t.Latest.Sender(),
			truncate(t.Latest.Subject, 60),
			t.Count,
			status,
			t.Latest.Date.Local().Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func inboxDoneCmd() *cobra.Command {
	var (
		keep    string
		sync    bool
		saveDir string
		yes     bool
	)
	cmd := &cobra.Command{
		Use:   "done <#|thread>",
		Short: "Save the thread to the CRM and archive it",
		Long: `Save every email of the thread to the CRM and archive it at the provider.

Attachments other than images and calendar invites are offered for saving
first. By default the thread is marked archiving and the save runs in the
background; --sync waits for the pipeline before touching the inbox.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keepStatus, err := model.ParseStatus(keep)
			if err != nil {
				return err
			}
			reviewer := &promptReviewer{
				in:        bufio.NewReader(cmd.InOrStdin()),
				out:       cmd.ErrOrStderr(),
				dir:       saveDir,
				acceptAll: yes,
			}
			return withSession(cmd, args[0], reviewer, func(ctx context.Context, a *app, s *session.Session) error {
				reviewer.fetcher = a.deps.Backend
				if !sync && keepStatus == model.StatusNone {
					return s.Done(ctx)
				}
				thread, _ := s.View().Selected()
				if pending := model.ReviewableAttachments(thread.Emails); len(pending) > 0 {
					if err := reviewer.Review(ctx, pending); err != nil {
						return err
					}
				}
				if !sync {
					return s.SaveAndArchiveAsync(ctx, keepStatus)
				}
				_, err := s.SaveAndArchive(ctx, keepStatus)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "keep the emails in the inbox with this status instead of removing them")
	cmd.Flags().BoolVar(&sync, "sync", false, "wait for the pipeline instead of archiving optimistically")
	cmd.Flags().StringVar(&saveDir, "save-dir", ".", "directory for saved attachments")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "save every attachment without asking")
	return cmd
}

func inboxStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <#|thread> <need_actions|waiting_input>",
		Short: "Tag a thread and move it out of the inbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := model.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, args[0], nil, func(ctx context.Context, _ *app, s *session.Session) error {
				return s.UpdateItemStatus(ctx, status)
			})
		},
	}
}

func inboxChatStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat-status <chat-id> <need_actions|waiting_input>",
		Short: "Tag every message of a chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := model.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, "", nil, func(ctx context.Context, _ *app, s *session.Session) error {
				return s.UpdateChatStatus(ctx, args[0], status)
			})
		},
	}
}

func inboxSpamCmd() *cobra.Command {
	var domain bool
	cmd := &cobra.Command{
		Use:   "spam <#|thread>",
		Short: "Block the sender of the latest email and clear their emails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := model.SpamKindEmail
			if domain {
				kind = model.SpamKindDomain
			}
			return withSession(cmd, args[0], nil, func(ctx context.Context, _ *app, s *session.Session) error {
				resp, err := s.MarkAsSpam(ctx, kind)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "blocked %d time(s), removed %d email(s)\n", resp.Counter, len(resp.DeletedIDs))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&domain, "domain", false, "block the whole sender domain")
	return cmd
}

func inboxDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete [#|thread]",
		Short: "Delete the latest email of a thread, or one email with --id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			if ref == "" && id == "" {
				return fmt.Errorf("a thread or --id is required")
			}
			return withSession(cmd, ref, nil, func(ctx context.Context, _ *app, s *session.Session) error {
				return s.DeleteEmail(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "inbox item id to delete")
	return cmd
}

func inboxDownloadCmd() *cobra.Command {
	var (
		dir  string
		name string
	)
	cmd := &cobra.Command{
		Use:   "download <#|thread>",
		Short: "Download the attachments of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], nil, func(ctx context.Context, _ *app, s *session.Session) error {
				thread, _ := s.View().Selected()
				var atts []model.Attachment
				for _, e := range thread.Emails {
					for _, att := range e.Attachments {
						if name == "" || strings.EqualFold(att.Name, name) {
							atts = append(atts, att)
						}
					}
				}
				if len(atts) == 0 {
					return fmt.Errorf("no matching attachments")
				}
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
				for _, att := range atts {
					if err := downloadTo(ctx, s, att, dir); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "output directory")
	cmd.Flags().StringVar(&name, "name", "", "only download the attachment with this file name")
	return cmd
}

func downloadTo(ctx context.Context, s *session.Session, att model.Attachment, dir string) error {
	path := filepath.Join(dir, filepath.Base(att.Name))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	_, err = s.DownloadAttachment(ctx, att, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
	}
	return err
}
