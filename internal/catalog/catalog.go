// Package catalog is the playlist's persistence layer: one SQLite file
// with a media table and a playlist table, per spec.md §6. The schema
// and SQL are explicitly out of scope of the core per spec.md §1 ("the
// playlist database... treated as external collaborators, with only
// their interfaces specified in §6"); this package is the minimal
// concrete instance so the rest of the pipeline has a real catalog to
// run against, using modernc.org/sqlite (a driver already exercised
// elsewhere in the retrieval pack, see SPEC_FULL.md) rather than
// hand-rolled file parsing.
package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
	_ "modernc.org/sqlite"

	"github.com/dsb/putvgo/internal/logging"
	"github.com/dsb/putvgo/internal/media"
)

var log = logging.Stage("catalog")

const schema = `
CREATE TABLE IF NOT EXISTS media (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	url  TEXT NOT NULL UNIQUE,
	mime TEXT NOT NULL DEFAULT '',
	info BLOB
);
CREATE TABLE IF NOT EXISTS playlist (
	id INTEGER NOT NULL REFERENCES media(id)
);
`

// ErrNotFound is returned when a lookup by id or url matches nothing.
var ErrNotFound = errors.New("catalog: not found")

// durationPattern is the same strftime pattern shape the teacher's own
// timestamp_format config entry uses (see src/xmit.go, src/tq.go),
// applied here to a track length instead of a capture time.
const durationPattern = "%H:%M:%S"

// formatDuration turns media.Info.Duration (seconds) into "HH:MM:SS" for
// the info/advance telemetry log lines below. A zero epoch plus the
// track length is as good a Time as any for a pattern that only reads
// H/M/S.
func formatDuration(seconds float64) string {
	s, err := strftime.Format(durationPattern, time.Unix(0, 0).UTC().Add(time.Duration(seconds*float64(time.Second))))
	if err != nil {
		return ""
	}
	return s
}

// Catalog is a SQLite-backed playlist store, opened against a db://path
// URL's path component.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path and ensures
// the schema exists.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error { return c.db.Close() }

// Insert appends media entries and their playlist membership, returning
// the assigned ids in order. Matches spec.md §6's `append` method and
// scenario S1.
func (c *Catalog) Insert(entries []media.Entry) ([]media.ID, error) {
	tx, err := c.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]media.ID, 0, len(entries))
	for _, e := range entries {
		infoBlob, err := json.Marshal(e.Info)
		if err != nil {
			return nil, fmt.Errorf("catalog: marshal info: %w", err)
		}
		res, err := tx.Exec(`INSERT INTO media(url, mime, info) VALUES (?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET mime=excluded.mime, info=excluded.info`,
			e.URL, e.MIME, infoBlob)
		if err != nil {
			return nil, fmt.Errorf("catalog: insert media: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		if id == 0 {
			// Conflict path doesn't report LastInsertId on some
			// drivers; look it up explicitly.
			if err := tx.QueryRow(`SELECT id FROM media WHERE url = ?`, e.URL).Scan(&id); err != nil {
				return nil, err
			}
		}
		if _, err := tx.Exec(`INSERT INTO playlist(id) VALUES (?)`, id); err != nil {
			return nil, fmt.Errorf("catalog: insert playlist: %w", err)
		}
		ids = append(ids, media.ID(id))
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove deletes entries from the playlist (and their media row) by id.
func (c *Catalog) Remove(ids []media.ID) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM playlist WHERE id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM media WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Count returns the number of entries currently in the playlist.
func (c *Catalog) Count() (int, error) {
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM playlist`).Scan(&n)
	return n, err
}

// List returns up to maxitems playlist entries starting at offset first,
// in playlist order, matching spec.md §6's `list` method.
func (c *Catalog) List(first, maxitems int) ([]media.Entry, error) {
	rows, err := c.db.Query(`
		SELECT m.id, m.url, m.mime, m.info
		FROM playlist p JOIN media m ON m.id = p.id
		ORDER BY p.rowid
		LIMIT ? OFFSET ?`, maxitems, first)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Info returns one media entry by id, matching spec.md §6's `info`
// method.
func (c *Catalog) Info(id media.ID) (media.Entry, error) {
	row := c.db.QueryRow(`SELECT id, url, mime, info FROM media WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == nil {
		log.Debug("info", "id", e.ID, "url", e.URL, "duration", formatDuration(e.Info.Duration))
	}
	return e, err
}

// ByURL looks up a media entry by its unique URL.
func (c *Catalog) ByURL(url string) (media.Entry, error) {
	row := c.db.QueryRow(`SELECT id, url, mime, info FROM media WHERE url = ?`, url)
	return scanEntry(row)
}

// Filter implements spec.md §6's `filter` method: each non-empty title,
// artist, album or genre must equal the entry's field exactly, and a
// non-empty keyword must be a case-insensitive substring of one of those
// fields or of the URL. Because Info is stored as a
// JSON blob, filtering happens in Go rather than in SQL — acceptable for
// the playlist sizes this engine targets (a single local/home catalog,
// not a library index).
func (c *Catalog) Filter(keyword, title, artist, album, genre string) ([]media.Entry, error) {
	rows, err := c.db.Query(`SELECT id, url, mime, info FROM media`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	match := func(field, want string) bool {
		return want == "" || field == want
	}
	var out []media.Entry
	for _, e := range all {
		if !match(e.Info.Title, title) || !match(e.Info.Artist, artist) ||
			!match(e.Info.Album, album) || !match(e.Info.Genre, genre) {
			continue
		}
		if keyword != "" &&
			!containsAny(keyword, e.Info.Title, e.Info.Artist, e.Info.Album, e.Info.Genre, e.URL) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func containsAny(keyword string, fields ...string) bool {
	needle := strings.ToLower(keyword)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}

// Next advances cur per spec.md §4.7's lifecycle: loop=on wraps back to
// the first entry; loop=off reports exhaustion by returning ErrNotFound
// once past the last entry. random=on picks uniformly among all entries.
func (c *Catalog) Next(cur *media.Cursor) (media.Entry, error) {
	entries, err := c.List(0, 1<<30)
	if err != nil {
		return media.Entry{}, err
	}
	if len(entries) == 0 {
		return media.Entry{}, ErrNotFound
	}

	if cur.Options.Random {
		idx := rand.Intn(len(entries))
		cur.Current = entries[idx].ID
		log.Debug("advance", "id", entries[idx].ID, "random", true, "duration", formatDuration(entries[idx].Info.Duration))
		return entries[idx], nil
	}

	idx := indexOf(entries, cur.Current)
	next := idx + 1
	if next >= len(entries) {
		if !cur.Options.Loop {
			return media.Entry{}, ErrNotFound
		}
		next = 0
	}
	cur.Current = entries[next].ID
	log.Debug("advance", "id", entries[next].ID, "random", false, "duration", formatDuration(entries[next].Info.Duration))
	return entries[next], nil
}

func indexOf(entries []media.Entry, id media.ID) int {
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func scanEntries(rows *sql.Rows) ([]media.Entry, error) {
	var out []media.Entry
	for rows.Next() {
		e, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (media.Entry, error) {
	e, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return media.Entry{}, ErrNotFound
	}
	return e, err
}

func scanRow(row scanner) (media.Entry, error) {
	var (
		id       int64
		url      string
		mime     string
		infoBlob []byte
	)
	if err := row.Scan(&id, &url, &mime, &infoBlob); err != nil {
		return media.Entry{}, err
	}
	var info media.Info
	if len(infoBlob) > 0 {
		if err := json.Unmarshal(infoBlob, &info); err != nil {
			log.Warn("malformed info blob, ignoring", "id", id, "err", err)
		}
	}
	return media.Entry{ID: media.ID(id), URL: url, MIME: mime, Info: info}, nil
}
