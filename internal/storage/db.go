package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"
)

const dbFile = "playsync.db"

// DB is a SQLite-backed KV. Every process of an installation opens the same
// file; changes made by other processes are picked up through a directory
// watch and announced like local ones.
type DB struct {
	db   *sql.DB
	path string

	mu   sync.Mutex
	seen map[string]int64 // key -> timestamp last announced

	watch   *watchers
	fsw     *fsnotify.Watcher
	stopped chan struct{}
	wg      sync.WaitGroup
}

// Open opens or creates the store in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dbPath := filepath.Join(dir, dbFile)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _kv (
			key    TEXT PRIMARY KEY,
			value  BLOB,
			ts     INTEGER NOT NULL,
			writer TEXT DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	d := &DB{
		db:      db,
		path:    dbPath,
		seen:    make(map[string]int64),
		watch:   newWatchers(),
		stopped: make(chan struct{}),
	}
	if _, err := d.scan(); err != nil {
		db.Close()
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("STORE: no change watch (%v), other processes' writes arrive on restart only", err)
	} else if err := fsw.Add(dir); err != nil {
		fsw.Close()
		log.Printf("STORE: watch %s: %v", dir, err)
	} else {
		d.fsw = fsw
		d.wg.Add(1)
		go d.watchLoop()
	}
	return d, nil
}

func (d *DB) Path() string { return d.path }

func (d *DB) Close() error {
	close(d.stopped)
	if d.fsw != nil {
		d.fsw.Close()
	}
	d.wg.Wait()
	d.watch.stop()
	return d.db.Close()
}

func (d *DB) Get(key string) (Entry, bool, error) {
	e := Entry{Key: key}
	err := d.db.QueryRow(`SELECT value, ts, writer FROM _kv WHERE key = ?`, key).
		Scan(&e.Value, &e.Timestamp, &e.Writer)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (d *DB) Set(key string, value []byte, ts int64, writer string) (bool, error) {
	res, err := d.db.Exec(`
		INSERT INTO _kv (key, value, ts, writer) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, ts = excluded.ts, writer = excluded.writer
		WHERE excluded.ts >= _kv.ts`, key, value, ts, writer)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	d.mu.Lock()
	d.seen[key] = ts
	d.mu.Unlock()
	d.watch.notify(Entry{Key: key, Value: value, Timestamp: ts, Writer: writer})
	return true, nil
}

func (d *DB) Delete(key string) error {
	res, err := d.db.Exec(`DELETE FROM _kv WHERE key = ?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
	d.watch.notify(Entry{Key: key, Deleted: true})
	return nil
}

func (d *DB) Keys(prefix string) ([]string, error) {
	rows, err := d.db.Query(`SELECT key FROM _kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (d *DB) Watch(fn func(Entry)) func() {
	return d.watch.add(fn)
}

// scan diffs the table against what has been announced and returns the
// changes, updating the announced set.
func (d *DB) scan() ([]Entry, error) {
	rows, err := d.db.Query(`SELECT key, value, ts, writer FROM _kv`)
	if err != nil {
		return nil, fmt.Errorf("scan kv: %w", err)
	}
	defer rows.Close()

	current := make(map[string]Entry)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Timestamp, &e.Writer); err != nil {
			return nil, err
		}
		current[e.Key] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var changed []Entry
	for k, e := range current {
		if ts, ok := d.seen[k]; !ok || ts != e.Timestamp {
			changed = append(changed, e)
			d.seen[k] = e.Timestamp
		}
	}
	for k := range d.seen {
		if _, ok := current[k]; !ok {
			changed = append(changed, Entry{Key: k, Deleted: true})
			delete(d.seen, k)
		}
	}
	return changed, nil
}

// watchLoop rescans after writes to the database files, coalescing bursts.
func (d *DB) watchLoop() {
	defer d.wg.Done()
	const settle = 20 * time.Millisecond

	var pending <-chan time.Time
	for {
		select {
		case <-d.stopped:
			return
		case ev, ok := <-d.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), dbFile) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending == nil {
				pending = time.After(settle)
			}
		case err, ok := <-d.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("STORE: watch error: %v", err)
		case <-pending:
			pending = nil
			changed, err := d.scan()
			if err != nil {
				log.Printf("STORE: %v", err)
				continue
			}
			for _, e := range changed {
				d.watch.notify(e)
			}
		}
	}
}
