package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/vihu/tandem/internal/client"
	"github.com/vihu/tandem/internal/document"
	"github.com/vihu/tandem/internal/ui"
)

// debounceDelay groups the burst of events editors emit for one save.
const debounceDelay = 100 * time.Millisecond

var flagRoom string

var shareCmd = &cobra.Command{
	Use:   "share <file>",
	Short: "Keep a local file in sync with a room",
	Long: `Mirror a local file into a room. Saving the file sends your changes to the
other peers, and their changes are written back into the file.

If the room is empty the file's content seeds it; otherwise the room's text
replaces the file.

Examples:
  tandem share notes.md --room notes
  tandem share --server ws://10.0.0.2:8080 todo.txt`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		room := flagRoom
		if room == "" {
			room = roomArg(nil)
		}

		ctx := cmd.Context()
		conn, err := Connect(ctx, room)
		if err != nil {
			return err
		}
		defer conn.Close()

		text, err := conn.Sync(ctx)
		if err != nil {
			return err
		}

		s := newFileShare(path, conn.Session, slog.Default())
		if err := s.start(text); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), ui.RoomInfo{Room: room, Server: conn.Config.ServerURL, File: path}.View())
		ui.PrintInfo("Watching for changes, press Ctrl+C to stop")

		return s.run(ctx)
	},
}

// fileShare mirrors one file into a session. mirror is the text both the
// file and the document agreed on after the last exchange.
type fileShare struct {
	path   string
	sess   *client.Session
	doc    *document.Document
	mirror string
	log    *slog.Logger
}

func newFileShare(path string, sess *client.Session, log *slog.Logger) *fileShare {
	return &fileShare{
		path: path,
		sess: sess,
		doc:  sess.Document(),
		log:  log.With("file", path),
	}
}

// start reconciles the file with the synced room text.
func (s *fileShare) start(synced string) error {
	content, err := s.read()
	if err != nil {
		return err
	}

	if synced == "" && content != "" {
		if err := s.doc.SetText(content); err != nil {
			return fmt.Errorf("seed room from %s: %w", s.path, err)
		}
		s.mirror = content
		if err := s.sess.Flush(); err != nil {
			return err
		}
	} else {
		s.mirror = synced
		if content != synced {
			if err := s.write(synced); err != nil {
				return err
			}
		}
	}
	return s.sess.SendAwareness(client.Presence{Name: presenceName(), Mode: "share"})
}

func (s *fileShare) run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often save by renaming a new file over the old one, which
	// drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}

	debounce := time.NewTimer(debounceDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				debounce.Reset(debounceDelay)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("file watcher error", "err", err)

		case <-debounce.C:
			if err := s.local(); err != nil {
				return err
			}

		case <-s.doc.Ready():
			if err := s.remote(); err != nil {
				return err
			}

		case text := <-s.sess.Synced:
			if err := s.resync(text); err != nil {
				return err
			}

		case p := <-s.sess.Errors:
			ui.PrintWarningf("Server rejected a change: %s", p.Message)

		case raw := <-s.sess.Awareness:
			if p, err := client.DecodePresence(raw); err == nil {
				s.log.Debug("peer active", "name", p.Name, "mode", p.Mode)
			}

		case <-s.sess.Done():
			return closeReason(s.sess.Err())
		}
	}
}

// local sends the change between the mirror and the file, merged with
// remote deltas that arrived since the last exchange.
func (s *fileShare) local() error {
	content, err := s.read()
	if err != nil {
		return err
	}
	if !utf8.ValidString(content) {
		s.log.Warn("file is not valid UTF-8, ignoring change")
		return nil
	}
	edit, changed := document.EditBetween(s.mirror, content)
	if !changed {
		return nil
	}

	applied, deltas, err := s.doc.RebaseEdit(edit)
	if err != nil {
		return err
	}
	merged, err := replay(s.mirror, deltas)
	if err != nil {
		return s.resyncAfter(err)
	}
	s.mirror = applied.Apply(merged)
	s.log.Debug("local change", "start", applied.Start, "end", applied.End, "remote_deltas", len(deltas))

	if err := s.sess.Flush(); err != nil {
		return err
	}
	if s.mirror != content {
		return s.write(s.mirror)
	}
	return nil
}

// remote writes queued remote deltas into the file.
func (s *fileShare) remote() error {
	deltas := s.doc.Poll()
	if len(deltas) == 0 {
		return nil
	}
	text, err := replay(s.mirror, deltas)
	if err != nil {
		return s.resyncAfter(err)
	}
	s.mirror = text
	s.log.Debug("remote change", "deltas", len(deltas))
	return s.write(text)
}

func (s *fileShare) resync(text string) error {
	s.mirror = text
	return s.write(text)
}

// resyncAfter asks for a fresh snapshot when the mirror can no longer
// follow the deltas.
func (s *fileShare) resyncAfter(err error) error {
	s.log.Warn("mirror out of step, requesting sync", "err", err)
	return s.sess.RequestSync()
}

func replay(text string, deltas []document.Delta) (string, error) {
	for _, d := range deltas {
		var err error
		if text, err = d.Apply(text); err != nil {
			return "", err
		}
	}
	return text, nil
}

// read returns "" for a missing file.
func (s *fileShare) read() (string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", s.path, err)
	}
	return string(b), nil
}

// write replaces the file in one rename so the watcher never reads a
// partial write.
func (s *fileShare) write(text string) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(s.path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".tandem-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(shareCmd)

	shareCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "Room to share the file in (default \"default\")")
}
