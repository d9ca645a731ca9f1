package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/DoyleJ11/trip-presence/pkg/collab"
)

func newEditCmd(a *app) *cobra.Command {
	var hold time.Duration

	cmd := &cobra.Command{
		Use:   "edit <item>",
		Short: "Claim the editing lock on an item and hold it",
		Long: `edit claims the lock on <item> and keeps it renewed until interrupted
or until --hold elapses, then releases it. It exits non-zero when another
participant holds the item.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item := args[0]
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			s, stop, err := a.session(ctx, cmd)
			if err != nil {
				return err
			}

			res, err := s.StartEditing(ctx, item)
			if err != nil {
				return multierr.Append(err, stop())
			}
			if !res.Granted() {
				return multierr.Append(res.Err(), stop())
			}
			fmt.Fprintf(a.out, "editing %s until %s\n", item, millisTime(res.Lock.ExpiresAtMs))

			lost := make(chan collab.Event, 1)
			unsubscribe := s.Subscribe(func(ev collab.Event) {
				if ev.Kind == collab.EventLockLost && ev.ItemID == item {
					select {
					case lost <- ev:
					default:
					}
				}
			})
			defer unsubscribe()

			var timeout <-chan time.Time
			if hold > 0 {
				t := time.NewTimer(hold)
				defer t.Stop()
				timeout = t.C
			}

			select {
			case <-ctx.Done():
			case <-timeout:
			case ev := <-lost:
				return multierr.Append(&collab.LockContentionError{ItemID: item, Holder: ev.Holder}, stop())
			}
			if err := stop(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "released %s\n", item)
			return nil
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", 0, "release after this long (default: until interrupted)")
	return cmd
}
