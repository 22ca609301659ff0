package sync

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/schema"
	"go.uber.org/zap"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
)

// BinlogListener tails the primary database's binlog for the watched tables
// and publishes each row image pair as a RowChange.
type BinlogListener struct {
	cfg       config.DatabaseConnection
	canal     *canal.Canal
	eventChan chan RowChange
	ctx       context.Context
	cancel    context.CancelFunc
	tables    map[string]bool // Whitelist of tables
	closeOnce sync.Once
	done      chan struct{}
}

func NewBinlogListener(cfg config.DatabaseConnection, tables []config.TableConfig, queueSize int) (*BinlogListener, error) {
	tableMap := make(map[string]bool)
	var tableRegex []string
	for _, t := range tables {
		tableMap[t.Name] = true
		tableRegex = append(tableRegex, fmt.Sprintf("^%s\\.%s$", regexp.QuoteMeta(cfg.Database), regexp.QuoteMeta(t.Name)))
	}
	if queueSize <= 0 {
		queueSize = 10000
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:     cfg.ReplicationUser,
		Password: cfg.ReplicationPassword,
		Flavor:   "mysql",
		ServerID: cfg.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // Tail only, no initial dump
		},
		IncludeTableRegex: tableRegex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &BinlogListener{
		cfg:       cfg,
		canal:     c,
		eventChan: make(chan RowChange, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		tables:    tableMap,
	}

	c.SetEventHandler(&eventHandler{listener: l})

	return l, nil
}

func (l *BinlogListener) Start() error {
	logger.Log.Info("Starting binlog listener", zap.String("host", l.cfg.Host))

	pos, err := l.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read master position: %w", err)
	}

	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		if err := l.canal.RunFrom(pos); err != nil && l.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()

	return nil
}

func (l *BinlogListener) Stop() {
	l.closeOnce.Do(func() {
		l.cancel()
		l.canal.Close()
		// The run loop is the only sender.
		if l.done != nil {
			<-l.done
		}
		close(l.eventChan)
		logger.Log.Info("Stopped binlog listener")
	})
}

func (l *BinlogListener) Events() <-chan RowChange {
	return l.eventChan
}

func (l *BinlogListener) publish(changes []RowChange) error {
	for _, c := range changes {
		// Block when the queue is full to apply backpressure to canal.
		select {
		case l.eventChan <- c:
		case <-l.ctx.Done():
			return l.ctx.Err()
		}
	}
	return nil
}

type eventHandler struct {
	canal.DummyEventHandler
	listener *BinlogListener
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	if _, ok := h.listener.tables[e.Table.Name]; !ok {
		return nil
	}
	return h.listener.publish(rowChanges(e.Action, e.Table, e.Rows))
}

func (h *eventHandler) String() string {
	return "BinlogEventHandler"
}

// rowChanges converts canal row images into RowChanges. Update events carry
// before/after image pairs.
func rowChanges(action string, table *schema.Table, rows [][]interface{}) []RowChange {
	var out []RowChange
	switch action {
	case canal.InsertAction:
		for _, r := range rows {
			out = append(out, RowChange{Type: Insert, Table: table.Name, New: rowMap(table, r)})
		}
	case canal.UpdateAction:
		for i := 0; i+1 < len(rows); i += 2 {
			out = append(out, RowChange{Type: Update, Table: table.Name, Old: rowMap(table, rows[i]), New: rowMap(table, rows[i+1])})
		}
	case canal.DeleteAction:
		for _, r := range rows {
			out = append(out, RowChange{Type: Delete, Table: table.Name, Old: rowMap(table, r)})
		}
	}
	return out
}

func rowMap(table *schema.Table, row []interface{}) map[string]any {
	m := make(map[string]any, len(table.Columns))
	for i, col := range table.Columns {
		if i < len(row) {
			m[col.Name] = row[i]
		}
	}
	return m
}
