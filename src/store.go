package src

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store is the size-bounded, upsert-oriented persistent store for
// targets, clients, handshakes, deauth audit entries and evil-twin
// alerts. Every write path enforces its retention limit after insert;
// eviction removes the oldest rows first and always spares targets with
// a capture and handshakes marked cracked.
type Store struct {
	log    zerolog.Logger
	db     *sql.DB
	limits RetentionConfig
}

func NewStore(path string, limits RetentionConfig) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Store{
		log:    componentLogger("store"),
		db:     db,
		limits: limits,
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS targets (
			bssid TEXT PRIMARY KEY,
			essid TEXT DEFAULT '',
			channel INTEGER DEFAULT 0,
			encryption TEXT DEFAULT 'unknown',
			signal_max INTEGER DEFAULT -100,
			signal_last INTEGER DEFAULT -100,
			first_seen DATETIME,
			last_seen DATETIME,
			client_count INTEGER DEFAULT 0,
			handshake_captured INTEGER DEFAULT 0,
			pmkid_captured INTEGER DEFAULT 0,
			notes TEXT DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS clients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bssid TEXT,
			mac TEXT,
			first_seen DATETIME,
			last_seen DATETIME,
			packets INTEGER DEFAULT 0,
			probed_essids TEXT DEFAULT '',
			UNIQUE(bssid, mac)
		)`,
		`CREATE TABLE IF NOT EXISTS handshakes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT,
			bssid TEXT,
			essid TEXT,
			path TEXT,
			captured_at DATETIME,
			cracked INTEGER DEFAULT 0,
			password TEXT DEFAULT '',
			crack_seconds INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS deauth_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bssid TEXT,
			client_mac TEXT,
			packets INTEGER,
			success INTEGER,
			at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS evil_twin_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			original_bssid TEXT,
			rogue_bssid TEXT,
			essid TEXT,
			detected_at DATETIME,
			dismissed INTEGER DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertTarget merges an observation by BSSID. Merge rules: signal_max
// only grows, essid is first-writer-wins, channel/encryption are only
// overwritten by non-default observations, capture flags are sticky.
func (s *Store) UpsertTarget(t *WiFiTarget) error {
	if t.BSSID == "" {
		return fmt.Errorf("target BSSID is required")
	}
	_, err := s.db.Exec(`
		INSERT INTO targets
			(bssid, essid, channel, encryption, signal_max, signal_last,
			 first_seen, last_seen, client_count, handshake_captured, pmkid_captured, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bssid) DO UPDATE SET
			essid = CASE WHEN targets.essid = '' THEN excluded.essid ELSE targets.essid END,
			channel = CASE WHEN excluded.channel > 0 THEN excluded.channel ELSE targets.channel END,
			encryption = CASE WHEN excluded.encryption != 'unknown' THEN excluded.encryption ELSE targets.encryption END,
			signal_max = MAX(targets.signal_max, excluded.signal_max),
			signal_last = excluded.signal_last,
			last_seen = excluded.last_seen,
			client_count = excluded.client_count,
			handshake_captured = MAX(targets.handshake_captured, excluded.handshake_captured),
			pmkid_captured = MAX(targets.pmkid_captured, excluded.pmkid_captured)`,
		strings.ToUpper(t.BSSID), t.ESSID, t.Channel, string(t.Encryption),
		t.SignalMax, t.SignalLast, t.FirstSeen, t.LastSeen,
		t.ClientCount, boolInt(t.HandshakeCaptured), boolInt(t.PMKIDCaptured), t.Notes,
	)
	if err != nil {
		return err
	}
	return s.enforceTargetRetention()
}

// UpsertClient merges a station observation by (bssid, mac). The probed
// network name set accumulates across observations; the packet counter
// only grows.
func (s *Store) UpsertClient(c *WiFiClient) error {
	if c.BSSID == "" || c.MAC == "" {
		return fmt.Errorf("client BSSID and MAC are required")
	}
	bssid := strings.ToUpper(c.BSSID)
	mac := strings.ToUpper(c.MAC)

	var existing sql.NullString
	err := s.db.QueryRow(
		"SELECT probed_essids FROM clients WHERE bssid = ? AND mac = ?", bssid, mac,
	).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	probes := mergeProbes(existing.String, c.ProbedESSIDs)

	_, err = s.db.Exec(`
		INSERT INTO clients (bssid, mac, first_seen, last_seen, packets, probed_essids)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bssid, mac) DO UPDATE SET
			last_seen = excluded.last_seen,
			packets = MAX(clients.packets, excluded.packets),
			probed_essids = excluded.probed_essids`,
		bssid, mac, c.FirstSeen, c.LastSeen, c.Packets, probes,
	)
	return err
}

func mergeProbes(existing string, observed []string) string {
	seen := make(map[string]bool)
	var merged []string
	for _, p := range strings.Split(existing, "\n") {
		if p != "" && !seen[p] {
			seen[p] = true
			merged = append(merged, p)
		}
	}
	for _, p := range observed {
		if p != "" && !seen[p] {
			seen[p] = true
			merged = append(merged, p)
		}
	}
	return strings.Join(merged, "\n")
}

// SaveHandshake inserts a capture record and flips the owning target's
// corresponding captured flag.
func (s *Store) SaveHandshake(h *Handshake) error {
	if h.BSSID == "" {
		return fmt.Errorf("handshake BSSID is required")
	}
	res, err := s.db.Exec(`
		INSERT INTO handshakes (type, bssid, essid, path, captured_at, cracked, password, crack_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(h.Type), strings.ToUpper(h.BSSID), h.ESSID, h.Path, h.CapturedAt,
		boolInt(h.Cracked), h.Password, h.CrackSeconds,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		h.ID = id
	}

	flag := "handshake_captured"
	if h.Type == HandshakePMKID {
		flag = "pmkid_captured"
	}
	if _, err := s.db.Exec(
		"UPDATE targets SET "+flag+" = 1 WHERE bssid = ?", strings.ToUpper(h.BSSID),
	); err != nil {
		s.log.Warn().Err(err).Str("bssid", h.BSSID).Msg("failed to flag target capture")
	}
	return s.enforceHandshakeRetention()
}

// MarkHandshakeCracked records a recovered credential.
func (s *Store) MarkHandshakeCracked(id int64, password string, crackSeconds int) error {
	_, err := s.db.Exec(
		"UPDATE handshakes SET cracked = 1, password = ?, crack_seconds = ? WHERE id = ?",
		password, crackSeconds, id,
	)
	return err
}

// LogDeauth appends to the attack audit log.
func (s *Store) LogDeauth(d *DeauthAttempt) error {
	_, err := s.db.Exec(`
		INSERT INTO deauth_log (bssid, client_mac, packets, success, at)
		VALUES (?, ?, ?, ?, ?)`,
		strings.ToUpper(d.BSSID), strings.ToUpper(d.ClientMAC), d.Packets, boolInt(d.Success), d.At,
	)
	if err != nil {
		return err
	}
	return s.enforceDeauthRetention()
}

// AddEvilTwinAlert inserts an alert unless an undismissed one already
// exists for the same pair and network name. Returns whether a row was
// created.
func (s *Store) AddEvilTwinAlert(a *EvilTwinAlert) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM evil_twin_alerts
		WHERE original_bssid = ? AND rogue_bssid = ? AND essid = ? AND dismissed = 0`,
		strings.ToUpper(a.OriginalBSSID), strings.ToUpper(a.RogueBSSID), a.ESSID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	res, err := s.db.Exec(`
		INSERT INTO evil_twin_alerts (original_bssid, rogue_bssid, essid, detected_at, dismissed)
		VALUES (?, ?, ?, ?, 0)`,
		strings.ToUpper(a.OriginalBSSID), strings.ToUpper(a.RogueBSSID), a.ESSID, a.DetectedAt,
	)
	if err != nil {
		return false, err
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return true, nil
}

// DismissEvilTwinAlert marks an alert handled.
func (s *Store) DismissEvilTwinAlert(id int64) error {
	_, err := s.db.Exec("UPDATE evil_twin_alerts SET dismissed = 1 WHERE id = ?", id)
	return err
}

// TargetFilter narrows and orders GetTargets reads.
type TargetFilter struct {
	Encryption   Encryption // empty = any
	CapturedOnly bool
	OrderBy      string // "recent" (default), "signal", "first_seen"
	Limit        int
}

// GetTargets reads targets matching the filter, bounded by Limit.
func (s *Store) GetTargets(f TargetFilter) ([]WiFiTarget, error) {
	where := "1=1"
	args := []any{}
	if f.Encryption != "" {
		where += " AND encryption = ?"
		args = append(args, string(f.Encryption))
	}
	if f.CapturedOnly {
		where += " AND (handshake_captured = 1 OR pmkid_captured = 1)"
	}

	order := "last_seen DESC"
	switch f.OrderBy {
	case "signal":
		order = "signal_max DESC"
	case "first_seen":
		order = "first_seen ASC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT bssid, essid, channel, encryption, signal_max, signal_last,
		       first_seen, last_seen, client_count, handshake_captured, pmkid_captured, notes
		FROM targets WHERE `+where+` ORDER BY `+order+` LIMIT ?`,
		append(args, limit)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []WiFiTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// GetTarget reads one target by BSSID; nil when unknown.
func (s *Store) GetTarget(bssid string) (*WiFiTarget, error) {
	row := s.db.QueryRow(`
		SELECT bssid, essid, channel, encryption, signal_max, signal_last,
		       first_seen, last_seen, client_count, handshake_captured, pmkid_captured, notes
		FROM targets WHERE bssid = ?`, strings.ToUpper(bssid))
	t, err := scanTarget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(r rowScanner) (WiFiTarget, error) {
	var t WiFiTarget
	var enc string
	var hs, pmkid int
	var firstSeen, lastSeen sql.NullTime
	err := r.Scan(&t.BSSID, &t.ESSID, &t.Channel, &enc, &t.SignalMax, &t.SignalLast,
		&firstSeen, &lastSeen, &t.ClientCount, &hs, &pmkid, &t.Notes)
	if err != nil {
		return t, err
	}
	t.Encryption = Encryption(enc)
	t.FirstSeen = firstSeen.Time
	t.LastSeen = lastSeen.Time
	t.HandshakeCaptured = hs != 0
	t.PMKIDCaptured = pmkid != 0
	return t, nil
}

// GetClients reads the stations recorded for one target.
func (s *Store) GetClients(bssid string, limit int) ([]WiFiClient, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT bssid, mac, first_seen, last_seen, packets, probed_essids
		FROM clients WHERE bssid = ? ORDER BY last_seen DESC LIMIT ?`,
		strings.ToUpper(bssid), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []WiFiClient
	for rows.Next() {
		var c WiFiClient
		var probes string
		var firstSeen, lastSeen sql.NullTime
		if err := rows.Scan(&c.BSSID, &c.MAC, &firstSeen, &lastSeen, &c.Packets, &probes); err != nil {
			return nil, err
		}
		c.FirstSeen = firstSeen.Time
		c.LastSeen = lastSeen.Time
		if probes != "" {
			c.ProbedESSIDs = strings.Split(probes, "\n")
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// GetHandshakes reads recent captures, newest first.
func (s *Store) GetHandshakes(limit int) ([]Handshake, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, type, bssid, essid, path, captured_at, cracked, password, crack_seconds
		FROM handshakes ORDER BY captured_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hss []Handshake
	for rows.Next() {
		var h Handshake
		var typ string
		var cracked int
		var capturedAt sql.NullTime
		if err := rows.Scan(&h.ID, &typ, &h.BSSID, &h.ESSID, &h.Path, &capturedAt,
			&cracked, &h.Password, &h.CrackSeconds); err != nil {
			return nil, err
		}
		h.Type = HandshakeType(typ)
		h.CapturedAt = capturedAt.Time
		h.Cracked = cracked != 0
		hss = append(hss, h)
	}
	return hss, rows.Err()
}

// ActiveEvilTwinAlerts reads undismissed alerts, newest first.
func (s *Store) ActiveEvilTwinAlerts(limit int) ([]EvilTwinAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, original_bssid, rogue_bssid, essid, detected_at, dismissed
		FROM evil_twin_alerts WHERE dismissed = 0 ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []EvilTwinAlert
	for rows.Next() {
		var a EvilTwinAlert
		var dismissed int
		var detectedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.OriginalBSSID, &a.RogueBSSID, &a.ESSID, &detectedAt, &dismissed); err != nil {
			return nil, err
		}
		a.DetectedAt = detectedAt.Time
		a.Dismissed = dismissed != 0
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// CountTargets returns the number of stored targets.
func (s *Store) CountTargets() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM targets").Scan(&n)
	return n, err
}

// CountHandshakesSince counts captures at or after t, used for the
// captures-today counter.
func (s *Store) CountHandshakesSince(t time.Time) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM handshakes WHERE captured_at >= ?", t).Scan(&n)
	return n, err
}

// Retention. Oldest rows go first; targets holding a capture and cracked
// handshakes are never evicted, so those tables may exceed their limit
// when protected rows alone do.

func (s *Store) enforceTargetRetention() error {
	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM targets").Scan(&total); err != nil {
		return err
	}
	overflow := total - s.limits.MaxTargets
	if overflow <= 0 {
		return nil
	}
	res, err := s.db.Exec(`
		DELETE FROM targets WHERE bssid IN (
			SELECT bssid FROM targets
			WHERE handshake_captured = 0 AND pmkid_captured = 0
			ORDER BY last_seen ASC LIMIT ?
		)`, overflow)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug().Int64("evicted", n).Msg("target retention applied")
	}
	return nil
}

func (s *Store) enforceHandshakeRetention() error {
	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM handshakes").Scan(&total); err != nil {
		return err
	}
	overflow := total - s.limits.MaxHandshakes
	if overflow <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM handshakes WHERE id IN (
			SELECT id FROM handshakes WHERE cracked = 0
			ORDER BY captured_at ASC LIMIT ?
		)`, overflow)
	return err
}

func (s *Store) enforceDeauthRetention() error {
	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM deauth_log").Scan(&total); err != nil {
		return err
	}
	overflow := total - s.limits.MaxDeauthLogs
	if overflow <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM deauth_log WHERE id IN (
			SELECT id FROM deauth_log ORDER BY at ASC LIMIT ?
		)`, overflow)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
