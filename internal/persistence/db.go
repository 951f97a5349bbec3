// Package persistence provides SQLite-based snapshot storage for
// civilization state. Nested state rides in JSON columns; unknown
// fields in a loaded payload are ignored, so snapshots from earlier
// schemas still load. A snapshot that fails structural validation is
// rejected outright — no partial reconstruction.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/politsim/internal/config"
	"github.com/talgya/politsim/internal/court"
	"github.com/talgya/politsim/internal/engine"
	"github.com/talgya/politsim/internal/entropy"
)

// ErrCorruptSnapshot marks a snapshot that failed structural
// validation on load. It is the only fault the engine surfaces as
// fatal to the caller.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// SchemaVersion is written with every save.
const SchemaVersion = 1

// DB wraps a SQLite connection for snapshot persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS civilizations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		stability REAL NOT NULL,
		turn INTEGER NOT NULL,
		leader_json TEXT NOT NULL,
		next_event_id INTEGER NOT NULL,
		security_cooldown INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS advisors (
		civ_id INTEGER NOT NULL,
		id INTEGER NOT NULL,
		name TEXT NOT NULL,
		role INTEGER NOT NULL,
		status INTEGER NOT NULL,
		loyalty REAL NOT NULL,
		influence REAL NOT NULL,
		appointed_turn INTEGER NOT NULL,
		traits_json TEXT NOT NULL,
		PRIMARY KEY (civ_id, id)
	);

	CREATE TABLE IF NOT EXISTS memories (
		civ_id INTEGER NOT NULL,
		id TEXT NOT NULL,
		advisor_id INTEGER NOT NULL,
		event_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		emotional_impact REAL NOT NULL,
		reliability REAL NOT NULL,
		decay_rate REAL NOT NULL,
		created_turn INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL,
		tags_json TEXT NOT NULL,
		PRIMARY KEY (civ_id, id)
	);

	CREATE TABLE IF NOT EXISTS relationships (
		civ_id INTEGER NOT NULL,
		from_id INTEGER NOT NULL,
		to_id INTEGER NOT NULL,
		trust REAL NOT NULL,
		influence_wt REAL NOT NULL,
		updated_turn INTEGER NOT NULL,
		PRIMARY KEY (civ_id, from_id, to_id)
	);

	CREATE TABLE IF NOT EXISTS conspiracies (
		civ_id INTEGER NOT NULL,
		id TEXT NOT NULL,
		members_json TEXT NOT NULL,
		formed_turn INTEGER NOT NULL,
		state INTEGER NOT NULL,
		combined_influence REAL NOT NULL,
		secrecy REAL NOT NULL,
		PRIMARY KEY (civ_id, id)
	);

	CREATE TABLE IF NOT EXISTS events (
		civ_id INTEGER NOT NULL,
		id INTEGER NOT NULL,
		type INTEGER NOT NULL,
		participants_json TEXT NOT NULL,
		payload TEXT NOT NULL,
		valence REAL NOT NULL,
		consequences_json TEXT NOT NULL,
		turn INTEGER NOT NULL,
		PRIMARY KEY (civ_id, id)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_advisor ON memories(civ_id, advisor_id);
	CREATE INDEX IF NOT EXISTS idx_events_turn ON events(civ_id, turn);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)",
		fmt.Sprintf("%d", SchemaVersion),
	)
	return err
}

// Save writes a full snapshot of one simulation (full replace for that
// civilization, inside a single transaction).
func (db *DB) Save(sim *engine.Sim) error {
	civ := sim.Civ

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM civilizations WHERE id = ?", civ.ID); err != nil {
		return err
	}
	for _, table := range []string{"advisors", "memories", "relationships", "conspiracies", "events"} {
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE civ_id = ?", table), civ.ID); err != nil {
			return err
		}
	}

	leaderJSON, err := json.Marshal(civ.Leader)
	if err != nil {
		return fmt.Errorf("marshal leader: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO civilizations
		(id, name, stability, turn, leader_json, next_event_id, security_cooldown)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		civ.ID, civ.Name, civ.Stability, civ.Turn, string(leaderJSON),
		sim.Pipeline.NextID(), sim.Machine.Cooldown(),
	); err != nil {
		return fmt.Errorf("insert civilization %d: %w", civ.ID, err)
	}

	for _, a := range civ.Roster {
		traitsJSON, _ := json.Marshal(a.Traits)
		if _, err := tx.Exec(`INSERT INTO advisors
			(civ_id, id, name, role, status, loyalty, influence, appointed_turn, traits_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			civ.ID, a.ID, a.Name, a.Role, a.Status, a.Loyalty, a.Influence,
			a.AppointedTurn, string(traitsJSON),
		); err != nil {
			return fmt.Errorf("insert advisor %d: %w", a.ID, err)
		}
	}

	for _, m := range sim.Memories.All() {
		tagsJSON, _ := json.Marshal(m.Tags)
		if _, err := tx.Exec(`INSERT INTO memories
			(civ_id, id, advisor_id, event_id, content, emotional_impact,
			 reliability, decay_rate, created_turn, last_accessed, tags_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			civ.ID, m.ID, m.AdvisorID, m.EventID, m.Content, m.EmotionalImpact,
			m.Reliability, m.DecayRate, m.CreatedTurn, m.LastAccessed, string(tagsJSON),
		); err != nil {
			return fmt.Errorf("insert memory %s: %w", m.ID, err)
		}
	}

	for _, e := range sim.Relations.Edges() {
		if _, err := tx.Exec(`INSERT INTO relationships
			(civ_id, from_id, to_id, trust, influence_wt, updated_turn)
			VALUES (?, ?, ?, ?, ?, ?)`,
			civ.ID, e.From, e.To, e.Trust, e.InfluenceWt, e.UpdatedTurn,
		); err != nil {
			return fmt.Errorf("insert edge %d->%d: %w", e.From, e.To, err)
		}
	}

	for _, c := range sim.Machine.All() {
		membersJSON, _ := json.Marshal(c.Members)
		if _, err := tx.Exec(`INSERT INTO conspiracies
			(civ_id, id, members_json, formed_turn, state, combined_influence, secrecy)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			civ.ID, c.ID, string(membersJSON), c.FormedTurn, c.State,
			c.CombinedInfluence, c.Secrecy,
		); err != nil {
			return fmt.Errorf("insert conspiracy %s: %w", c.ID, err)
		}
	}

	for _, ev := range sim.Pipeline.History() {
		participantsJSON, _ := json.Marshal(ev.Participants)
		consequencesJSON, _ := json.Marshal(ev.Consequences)
		if _, err := tx.Exec(`INSERT INTO events
			(civ_id, id, type, participants_json, payload, valence, consequences_json, turn)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			civ.ID, ev.ID, ev.Type, string(participantsJSON), ev.Payload, ev.Valence,
			string(consequencesJSON), ev.Turn,
		); err != nil {
			return fmt.Errorf("insert event %d: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	slog.Info("snapshot saved",
		"civ", civ.Name,
		"turn", civ.Turn,
		"advisors", len(civ.Roster),
		"memories", len(sim.Memories.All()),
	)
	return nil
}

// CivIDs lists the civilizations present in the database.
func (db *DB) CivIDs() ([]uint64, error) {
	var ids []uint64
	err := db.conn.Select(&ids, "SELECT id FROM civilizations ORDER BY id")
	return ids, err
}

// Load reconstructs one civilization's simulation from its snapshot.
// Structural violations (out-of-range scalars, dangling references,
// missing leader) return ErrCorruptSnapshot; nothing partial leaks out.
func (db *DB) Load(civID uint64, cfg *config.Config, rng *entropy.Source, backend engine.AdviceBackend) (*engine.Sim, error) {
	var civRow struct {
		ID               uint64  `db:"id"`
		Name             string  `db:"name"`
		Stability        float64 `db:"stability"`
		Turn             uint64  `db:"turn"`
		LeaderJSON       string  `db:"leader_json"`
		NextEventID      uint64  `db:"next_event_id"`
		SecurityCooldown uint64  `db:"security_cooldown"`
	}
	err := db.conn.Get(&civRow, "SELECT * FROM civilizations WHERE id = ?", civID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("civilization %d not found", civID)
	}
	if err != nil {
		return nil, fmt.Errorf("load civilization: %w", err)
	}

	var leader court.Leader
	if err := json.Unmarshal([]byte(civRow.LeaderJSON), &leader); err != nil {
		return nil, fmt.Errorf("%w: leader payload: %v", ErrCorruptSnapshot, err)
	}
	if leader.Name == "" {
		return nil, fmt.Errorf("%w: civilization %d has no leader", ErrCorruptSnapshot, civID)
	}

	roster, err := db.loadAdvisors(civID)
	if err != nil {
		return nil, err
	}

	civ := court.NewCivilization(civRow.ID, civRow.Name, &leader, roster)
	civ.Stability = civRow.Stability
	civ.Turn = civRow.Turn
	if civ.Stability < 0 || civ.Stability > 1 {
		return nil, fmt.Errorf("%w: stability %.3f out of range", ErrCorruptSnapshot, civ.Stability)
	}

	founder := court.NewFounder(int64(civID))
	founder.SetNextID(civ.NextAdvisorID())

	sim := engine.NewSim(civ, founder, cfg, rng, backend)
	sim.Pipeline.SetNextID(civRow.NextEventID)

	if err := db.loadMemories(civID, civ, sim); err != nil {
		return nil, err
	}
	if err := db.loadRelationships(civID, civ, sim); err != nil {
		return nil, err
	}
	if err := db.loadConspiracies(civID, civ, sim, civRow.SecurityCooldown); err != nil {
		return nil, err
	}
	if err := db.loadEvents(civID, sim); err != nil {
		return nil, err
	}

	slog.Info("snapshot loaded", "civ", civ.Name, "turn", civ.Turn, "advisors", len(roster))
	return sim, nil
}

func (db *DB) loadAdvisors(civID uint64) ([]*court.Advisor, error) {
	rows, err := db.conn.Queryx(
		"SELECT id, name, role, status, loyalty, influence, appointed_turn, traits_json FROM advisors WHERE civ_id = ? ORDER BY id",
		civID,
	)
	if err != nil {
		return nil, fmt.Errorf("load advisors: %w", err)
	}
	defer rows.Close()

	var roster []*court.Advisor
	for rows.Next() {
		var r struct {
			ID            uint64  `db:"id"`
			Name          string  `db:"name"`
			Role          uint8   `db:"role"`
			Status        uint8   `db:"status"`
			Loyalty       float64 `db:"loyalty"`
			Influence     float64 `db:"influence"`
			AppointedTurn uint64  `db:"appointed_turn"`
			TraitsJSON    string  `db:"traits_json"`
		}
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan advisor: %w", err)
		}
		if r.Loyalty < 0 || r.Loyalty > 1 || r.Influence < 0 || r.Influence > 1 {
			return nil, fmt.Errorf("%w: advisor %d loyalty/influence out of range", ErrCorruptSnapshot, r.ID)
		}
		var traits court.Traits
		if err := json.Unmarshal([]byte(r.TraitsJSON), &traits); err != nil {
			return nil, fmt.Errorf("%w: advisor %d traits: %v", ErrCorruptSnapshot, r.ID, err)
		}
		roster = append(roster, &court.Advisor{
			ID:            court.AdvisorID(r.ID),
			Name:          r.Name,
			Role:          court.Role(r.Role),
			Status:        court.Status(r.Status),
			Loyalty:       r.Loyalty,
			Influence:     r.Influence,
			AppointedTurn: r.AppointedTurn,
			Traits:        traits,
		})
	}
	return roster, rows.Err()
}

func (db *DB) loadMemories(civID uint64, civ *court.Civilization, sim *engine.Sim) error {
	rows, err := db.conn.Queryx(
		`SELECT id, advisor_id, event_id, content, emotional_impact, reliability,
		        decay_rate, created_turn, last_accessed, tags_json
		 FROM memories WHERE civ_id = ?`, civID,
	)
	if err != nil {
		return fmt.Errorf("load memories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r struct {
			ID              string  `db:"id"`
			AdvisorID       uint64  `db:"advisor_id"`
			EventID         uint64  `db:"event_id"`
			Content         string  `db:"content"`
			EmotionalImpact float64 `db:"emotional_impact"`
			Reliability     float64 `db:"reliability"`
			DecayRate       float64 `db:"decay_rate"`
			CreatedTurn     uint64  `db:"created_turn"`
			LastAccessed    uint64  `db:"last_accessed"`
			TagsJSON        string  `db:"tags_json"`
		}
		if err := rows.StructScan(&r); err != nil {
			return fmt.Errorf("scan memory: %w", err)
		}
		id := court.AdvisorID(r.AdvisorID)
		if id != court.LeaderID && civ.Advisor(id) == nil {
			return fmt.Errorf("%w: memory %s references unknown advisor %d", ErrCorruptSnapshot, r.ID, r.AdvisorID)
		}
		if r.Reliability < 0 || r.Reliability > 1 || r.EmotionalImpact < -1 || r.EmotionalImpact > 1 {
			return fmt.Errorf("%w: memory %s scalars out of range", ErrCorruptSnapshot, r.ID)
		}
		var tags []string
		if err := json.Unmarshal([]byte(r.TagsJSON), &tags); err != nil {
			return fmt.Errorf("%w: memory %s tags: %v", ErrCorruptSnapshot, r.ID, err)
		}
		sim.Memories.Restore(court.Memory{
			ID:              r.ID,
			AdvisorID:       id,
			EventID:         r.EventID,
			Content:         r.Content,
			EmotionalImpact: r.EmotionalImpact,
			Reliability:     r.Reliability,
			DecayRate:       r.DecayRate,
			CreatedTurn:     r.CreatedTurn,
			LastAccessed:    r.LastAccessed,
			Tags:            tags,
		})
	}
	return rows.Err()
}

func (db *DB) loadRelationships(civID uint64, civ *court.Civilization, sim *engine.Sim) error {
	rows, err := db.conn.Queryx(
		"SELECT from_id, to_id, trust, influence_wt, updated_turn FROM relationships WHERE civ_id = ?",
		civID,
	)
	if err != nil {
		return fmt.Errorf("load relationships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r struct {
			FromID      uint64  `db:"from_id"`
			ToID        uint64  `db:"to_id"`
			Trust       float64 `db:"trust"`
			InfluenceWt float64 `db:"influence_wt"`
			UpdatedTurn uint64  `db:"updated_turn"`
		}
		if err := rows.StructScan(&r); err != nil {
			return fmt.Errorf("scan relationship: %w", err)
		}
		if r.Trust < -1 || r.Trust > 1 || r.InfluenceWt < 0 || r.InfluenceWt > 1 {
			return fmt.Errorf("%w: edge %d->%d scalars out of range", ErrCorruptSnapshot, r.FromID, r.ToID)
		}
		for _, id := range []court.AdvisorID{court.AdvisorID(r.FromID), court.AdvisorID(r.ToID)} {
			if id != court.LeaderID && civ.Advisor(id) == nil {
				return fmt.Errorf("%w: edge references unknown advisor %d", ErrCorruptSnapshot, id)
			}
		}
		sim.Relations.Restore(court.Edge{
			From:        court.AdvisorID(r.FromID),
			To:          court.AdvisorID(r.ToID),
			Trust:       r.Trust,
			InfluenceWt: r.InfluenceWt,
			UpdatedTurn: r.UpdatedTurn,
		})
	}
	return rows.Err()
}

func (db *DB) loadConspiracies(civID uint64, civ *court.Civilization, sim *engine.Sim, cooldown uint64) error {
	rows, err := db.conn.Queryx(
		"SELECT id, members_json, formed_turn, state, combined_influence, secrecy FROM conspiracies WHERE civ_id = ?",
		civID,
	)
	if err != nil {
		return fmt.Errorf("load conspiracies: %w", err)
	}
	defer rows.Close()

	var conspiracies []*engine.Conspiracy
	for rows.Next() {
		var r struct {
			ID                string  `db:"id"`
			MembersJSON       string  `db:"members_json"`
			FormedTurn        uint64  `db:"formed_turn"`
			State             uint8   `db:"state"`
			CombinedInfluence float64 `db:"combined_influence"`
			Secrecy           float64 `db:"secrecy"`
		}
		if err := rows.StructScan(&r); err != nil {
			return fmt.Errorf("scan conspiracy: %w", err)
		}
		var members []court.AdvisorID
		if err := json.Unmarshal([]byte(r.MembersJSON), &members); err != nil {
			return fmt.Errorf("%w: conspiracy %s members: %v", ErrCorruptSnapshot, r.ID, err)
		}
		for _, id := range members {
			if civ.Advisor(id) == nil {
				return fmt.Errorf("%w: conspiracy %s references unknown advisor %d", ErrCorruptSnapshot, r.ID, id)
			}
		}
		conspiracies = append(conspiracies, &engine.Conspiracy{
			ID:                r.ID,
			Members:           members,
			FormedTurn:        r.FormedTurn,
			State:             engine.ConspiracyState(r.State),
			CombinedInfluence: r.CombinedInfluence,
			Secrecy:           r.Secrecy,
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sim.Machine.Restore(conspiracies, cooldown)
	return nil
}

func (db *DB) loadEvents(civID uint64, sim *engine.Sim) error {
	rows, err := db.conn.Queryx(
		"SELECT id, type, participants_json, payload, valence, consequences_json, turn FROM events WHERE civ_id = ? ORDER BY id",
		civID,
	)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r struct {
			ID               uint64  `db:"id"`
			Type             uint8   `db:"type"`
			ParticipantsJSON string  `db:"participants_json"`
			Payload          string  `db:"payload"`
			Valence          float64 `db:"valence"`
			ConsequencesJSON string  `db:"consequences_json"`
			Turn             uint64  `db:"turn"`
		}
		if err := rows.StructScan(&r); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		var participants []court.AdvisorID
		if err := json.Unmarshal([]byte(r.ParticipantsJSON), &participants); err != nil {
			return fmt.Errorf("%w: event %d participants: %v", ErrCorruptSnapshot, r.ID, err)
		}
		var consequences []engine.Consequence
		if err := json.Unmarshal([]byte(r.ConsequencesJSON), &consequences); err != nil {
			return fmt.Errorf("%w: event %d consequences: %v", ErrCorruptSnapshot, r.ID, err)
		}
		sim.Pipeline.RestoreHistory(engine.PoliticalEvent{
			ID:           r.ID,
			Type:         engine.EventType(r.Type),
			Participants: participants,
			Payload:      r.Payload,
			Valence:      r.Valence,
			Consequences: consequences,
			Turn:         r.Turn,
		})
	}
	return rows.Err()
}
