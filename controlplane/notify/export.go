package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// exporter appends every notification on an allow-listed topic to
// "{topic}.jsonl" under dir, one JSON document per line, flushing after each
// append. An I/O error is logged once per topic and then ignored for the
// remainder of the run — export is best-effort and must never take the
// server down.
type exporter struct {
	mu          sync.Mutex
	dir         string
	allowed     map[string]bool
	files       map[string]*os.File
	loggedError map[string]bool
	logger      logging.Logger
}

// NewExporter builds an exporter that writes under dir, restricted to the
// given allow-listed topics.
func NewExporter(dir string, allowedTopics []string, logger logging.Logger) *exporter {
	if logger == nil {
		logger = logging.NewNoop()
	}
	allowed := make(map[string]bool, len(allowedTopics))
	for _, t := range allowedTopics {
		allowed[t] = true
	}
	return &exporter{
		dir:         dir,
		allowed:     allowed,
		files:       make(map[string]*os.File),
		loggedError: make(map[string]bool),
		logger:      logger,
	}
}

func (e *exporter) maybeExport(n *protocol.Notification) {
	if !e.allowed[n.Topic] {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := e.fileForLocked(n.Topic)
	if err != nil {
		e.logOnceLocked(n.Topic, err)
		return
	}

	line, err := json.Marshal(n)
	if err != nil {
		e.logOnceLocked(n.Topic, err)
		return
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		e.logOnceLocked(n.Topic, err)
		return
	}
	if err := f.Sync(); err != nil {
		e.logOnceLocked(n.Topic, err)
	}
}

func (e *exporter) fileForLocked(topic string) (*os.File, error) {
	if f, ok := e.files[topic]; ok {
		return f, nil
	}
	path := filepath.Join(e.dir, topic+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	e.files[topic] = f
	return f, nil
}

func (e *exporter) logOnceLocked(topic string, err error) {
	if e.loggedError[topic] {
		return
	}
	e.loggedError[topic] = true
	e.logger.Error("notification_export_failed", "topic", topic, "error", err.Error())
}

func (e *exporter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.files {
		_ = f.Close()
	}
}
