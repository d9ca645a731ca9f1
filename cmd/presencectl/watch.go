package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/DoyleJ11/trip-presence/pkg/collab"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print participants and locks as they change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			s, stop, err := a.session(ctx, cmd)
			if err != nil {
				return err
			}
			changes := make(chan collab.Event, 16)
			unsubscribe := s.Subscribe(func(ev collab.Event) {
				select {
				case changes <- ev:
				default:
				}
			})
			defer unsubscribe()

			render(a.out, s)
			for {
				select {
				case <-ctx.Done():
					return stop()
				case <-s.Done():
					return nil
				case ev := <-changes:
					printEvent(a.out, ev)
					if ev.Kind != collab.EventWarning {
						render(a.out, s)
					}
				}
			}
		},
	}
}

func printEvent(w io.Writer, ev collab.Event) {
	switch ev.Kind {
	case collab.EventConnection:
		fmt.Fprintf(w, "* connection %s\n", ev.State)
	case collab.EventLockLost:
		if ev.Holder != "" {
			fmt.Fprintf(w, "* lost %s to %s\n", ev.ItemID, ev.Holder)
		} else {
			fmt.Fprintf(w, "* lost %s\n", ev.ItemID)
		}
	case collab.EventWarning:
		fmt.Fprintf(w, "! %v\n", ev.Err)
	}
}

// render prints the session's current view of its scope.
func render(w io.Writer, s *collab.Session) {
	var b strings.Builder
	fmt.Fprintf(&b, "-- %s [%s]", s.Scope(), s.ConnectionState())
	if s.PossiblyStale() {
		b.WriteString(" (possibly stale)")
	}
	b.WriteByte('\n')

	for _, p := range s.ActiveParticipants() {
		marker := " "
		if p.ParticipantID == s.ParticipantID() {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %-28s %-8s", marker, p.ParticipantID, p.Status)
		if p.EditingItemID != "" {
			fmt.Fprintf(&b, " editing %s", p.EditingItemID)
		}
		if p.PagePath != "" {
			fmt.Fprintf(&b, " on %s", p.PagePath)
		}
		b.WriteByte('\n')
	}
	for _, l := range s.Locks() {
		fmt.Fprintf(&b, "  lock %s held by %s until %s\n", l.ItemID, l.HolderID, millisTime(l.ExpiresAtMs))
	}
	_, _ = io.WriteString(w, b.String())
}

func millisTime(ms int64) string {
	return time.UnixMilli(ms).Format("15:04:05")
}
