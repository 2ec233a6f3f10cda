package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/luma/lumen/protocol"
)

var ErrNotFound = errors.New("Message not found")

// Update is sent to listeners whenever a record is appended.
type Update struct {
	Topic string
	Idem  string
	Value []byte
}

// Store is the engine's message log.
type Store interface {
	Append(ctx context.Context, rec *protocol.Record) error
	Get(ctx context.Context, idem string) ([]byte, error)
	Delete(ctx context.Context, idem string) error

	Restore(values []byte) error
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update

	Close() error
}

// InmemoryStore keeps every record in a single JSON document keyed by idem.
type InmemoryStore struct {
	valuesMu sync.RWMutex
	values   []byte

	mu          sync.Mutex
	updateChans []chan *Update

	// stop willl be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:      []byte("{}"),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil
	}

	close(i.stop)

	for _, updateChan := range i.updateChans {
		close(updateChan)
	}

	return nil
}

func (i *InmemoryStore) Append(ctx context.Context, rec *protocol.Record) error {
	value, err := protocol.BuildRecord(rec)
	if err != nil {
		return err
	}

	i.valuesMu.Lock()
	i.values, err = sjson.SetRawBytes(i.values, protocol.EscapePath(rec.Idem), value)
	i.valuesMu.Unlock()

	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil
	}

	for _, updateChan := range i.updateChans {
		select {
		case updateChan <- &Update{Topic: rec.Topic, Idem: rec.Idem, Value: value}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, idem string) ([]byte, error) {
	i.valuesMu.RLock()
	defer i.valuesMu.RUnlock()

	result := gjson.GetBytes(i.values, protocol.EscapePath(idem))
	if !result.Exists() {
		return nil, ErrNotFound
	}

	return []byte(result.Raw), nil
}

func (i *InmemoryStore) Delete(ctx context.Context, idem string) error {
	i.valuesMu.Lock()
	defer i.valuesMu.Unlock()

	path := protocol.EscapePath(idem)
	if !gjson.GetBytes(i.values, path).Exists() {
		return ErrNotFound
	}

	values, err := sjson.DeleteBytes(i.values, path)
	if err != nil {
		return err
	}

	i.values = values
	return nil
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, 255)
	if !i.isRunning() {
		close(updateChan)
		return updateChan
	}

	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

func (i *InmemoryStore) Restore(values []byte) error {
	if !gjson.ValidBytes(values) {
		return protocol.ErrMalformedRecord
	}

	i.valuesMu.Lock()
	i.values = append([]byte(nil), values...)
	i.valuesMu.Unlock()

	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.valuesMu.RLock()
	defer i.valuesMu.RUnlock()

	if len(i.values) == 0 {
		return []byte("{}"), nil
	}

	return append([]byte(nil), i.values...), nil
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

var _ Store = (*InmemoryStore)(nil)
