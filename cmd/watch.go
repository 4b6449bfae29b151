package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/vihu/tandem/internal/client"
	"github.com/vihu/tandem/internal/ui"
)

// presenceInterval keeps this peer inside the viewers' presence window.
const presenceInterval = 10 * time.Second

var watchCmd = &cobra.Command{
	Use:   "watch [room]",
	Short: "Follow a room's text live",
	Long: `Open a live view of a room's document. The view updates as peers type and
lists the peers that announced themselves recently.

Examples:
  tandem watch notes
  tandem watch --name reviewer notes`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room := roomArg(args)
		ctx := cmd.Context()

		conn, err := Connect(ctx, room)
		if err != nil {
			return err
		}
		defer conn.Close()

		viewer := ui.NewViewer(room, conn.Config.ServerURL)
		viewer.Start()
		defer viewer.Stop()

		return watchRoom(ctx, conn.Session, viewer)
	},
}

func watchRoom(ctx context.Context, sess *client.Session, viewer *ui.Viewer) error {
	if err := sess.RequestSync(); err != nil {
		return err
	}
	me := client.Presence{Name: presenceName(), Mode: "watch"}
	if err := sess.SendAwareness(me); err != nil {
		return err
	}

	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()

	doc := sess.Document()
	var text string
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-viewer.Done():
			return nil

		case synced := <-sess.Synced:
			text = synced
			viewer.SetText(text)

		case <-doc.Ready():
			next, err := replay(text, doc.Poll())
			if err != nil {
				if err := sess.RequestSync(); err != nil {
					return err
				}
				continue
			}
			text = next
			viewer.SetText(text)

		case raw := <-sess.Awareness:
			if p, err := client.DecodePresence(raw); err == nil {
				viewer.Presence(p.Name)
			}

		case p := <-sess.Errors:
			viewer.ServerError(p.Code, p.Message)

		case <-ticker.C:
			if err := sess.SendAwareness(me); err != nil {
				return err
			}

		case <-sess.Done():
			err := closeReason(sess.Err())
			viewer.Disconnected(err)
			<-viewer.Done()
			return err
		}
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
