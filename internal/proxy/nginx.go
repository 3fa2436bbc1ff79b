// Package proxy keeps reverse proxy configuration in step with the set of
// projects. Notifications run on a background queue and never fail the
// operation that triggered them.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"text/template"

	"go.uber.org/zap"

	"github.com/fruitsalade/docat/internal/logging"
	"github.com/fruitsalade/docat/internal/metrics"
	"github.com/fruitsalade/docat/pkg/retry"
)

// Action is a kind of project lifecycle change.
type Action string

const (
	ActionCreate Action = "create"
	ActionRemove Action = "remove"
	ActionRename Action = "rename"
)

// Notification describes one project lifecycle change.
type Notification struct {
	Action  Action
	Project string
	NewName string
}

// Notifier receives project lifecycle changes.
type Notifier interface {
	Notify(n Notification)
}

// Nop discards notifications.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(Notification) {}

var locationTemplate = template.Must(template.New("location").Parse(`location /doc/{{ .Project }}/ {
    alias {{ .Root }}/{{ .Project }}/;
    index index.html;
    autoindex off;
}
`))

// Nginx writes one location file per project into an nginx include directory.
type Nginx struct {
	dir      string
	docsRoot string
	retry    retry.Config

	mu     sync.Mutex
	closed bool
	queue  chan Notification
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewNginx creates a notifier writing to dir for documents under docsRoot.
func NewNginx(dir, docsRoot string) *Nginx {
	return &Nginx{
		dir:      dir,
		docsRoot: docsRoot,
		retry:    retry.DefaultConfig(),
		queue:    make(chan Notification, 1000),
	}
}

// ConfigPath returns the location file of project.
func (n *Nginx) ConfigPath(project string) string {
	return filepath.Join(n.dir, project+"-doc.conf")
}

// Start launches the worker.
func (n *Nginx) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go n.worker(ctx)
	logging.Info("nginx notifier started", zap.String("dir", n.dir))
}

// Stop drains the queue and waits for the worker.
func (n *Nginx) Stop() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
	if n.cancel != nil {
		n.cancel()
	}
	logging.Info("nginx notifier stopped")
}

// Notify queues a change. Full queues drop the notification.
func (n *Nginx) Notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- note:
	default:
		logging.Warn("nginx notifier queue full, dropping",
			zap.String("action", string(note.Action)), zap.String("project", note.Project))
	}
}

func (n *Nginx) worker(ctx context.Context) {
	defer n.wg.Done()
	for note := range n.queue {
		err := retry.Do(ctx, n.retry, func() error { return n.apply(note) })
		metrics.RecordProxyNotification(string(note.Action), err == nil)
		if err != nil {
			logging.Error("nginx config update failed",
				zap.String("action", string(note.Action)),
				zap.String("project", note.Project),
				zap.Error(err))
		}
	}
}

func (n *Nginx) apply(note Notification) error {
	switch note.Action {
	case ActionCreate:
		return n.write(note.Project)
	case ActionRemove:
		return n.remove(note.Project)
	case ActionRename:
		if err := n.remove(note.Project); err != nil {
			return err
		}
		return n.write(note.NewName)
	default:
		return retry.Permanent(fmt.Errorf("unknown action %q", note.Action))
	}
}

func (n *Nginx) write(project string) error {
	var buf bytes.Buffer
	if err := locationTemplate.Execute(&buf, struct{ Project, Root string }{project, n.docsRoot}); err != nil {
		return retry.Permanent(err)
	}
	if err := os.MkdirAll(n.dir, 0755); err != nil {
		return err
	}
	path := n.ConfigPath(project)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	logging.Info("nginx location written", zap.String("project", project))
	return nil
}

func (n *Nginx) remove(project string) error {
	err := os.Remove(n.ConfigPath(project))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
