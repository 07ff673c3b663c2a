package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

// ErrNotFound is returned when a session id is not in the database.
var ErrNotFound = errors.New("calibration session not found")

var _ calibration.ResultSink = (*Store)(nil)

// SessionSummary is one row of ListSessions.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Variant      string    `json:"variant"`
	StartedAt    time.Time `json:"started_at"`
	SavedAt      time.Time `json:"saved_at"`
	Cameras      int       `json:"cameras"`
	Observations int       `json:"observations"`
}

// StoreResult writes a completed calibration in a single transaction.
func (s *Store) StoreResult(ctx context.Context, res calibration.Result) error {
	var pairs []byte
	if len(res.Set.Pairs) > 0 {
		var err error
		if pairs, err = json.Marshal(res.Set.Pairs); err != nil {
			return fmt.Errorf("encoding pairs: %w", err)
		}
	}

	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calibration_sessions (
			session_id, variant, started_at, saved_at,
			sensor_width, sensor_height, grid_rows, grid_cols, spacing_m, pairs_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.SessionID, res.Variant, formatTime(res.StartedAt), formatTime(res.SavedAt),
		res.Set.SensorWidth, res.Set.SensorHeight, res.Set.Board.Rows, res.Set.Board.Cols, res.Set.Board.SpacingM,
		nullableJSON(pairs),
	)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", res.SessionID, err)
	}

	obsStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO calibration_observations (
			session_id, camera, seq, detected_at, timestamp_us, rms_px, observation_json
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer obsStmt.Close()

	total := 0
	for _, cam := range res.Set.Cameras() {
		for seq, o := range res.Set.Observations[cam] {
			blob, err := json.Marshal(o)
			if err != nil {
				return fmt.Errorf("encoding observation %s/%d: %w", cam, seq, err)
			}
			if _, err := obsStmt.ExecContext(ctx, res.SessionID, string(cam), seq, formatTime(o.DetectedAt), o.Timestamp, o.RMS, string(blob)); err != nil {
				return fmt.Errorf("inserting observation %s/%d: %w", cam, seq, err)
			}
			total++
		}
	}

	for cam, p := range res.Parameters {
		blob, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding parameters for %s: %w", cam, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO camera_parameters (session_id, camera, rms_px, parameters_json) VALUES (?, ?, ?, ?)`,
			res.SessionID, string(cam), p.RMS, string(blob)); err != nil {
			return fmt.Errorf("inserting parameters for %s: %w", cam, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	opsf("stored session %s: %d observations, %d camera(s)", res.SessionID, total, len(res.Parameters))
	return nil
}

// ListSessions returns the most recent sessions first. limit <= 0 means all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	q := `
		SELECT s.session_id, s.variant, s.started_at, s.saved_at,
		       (SELECT COUNT(*) FROM camera_parameters p WHERE p.session_id = s.session_id),
		       (SELECT COUNT(*) FROM calibration_observations o WHERE o.session_id = s.session_id)
		FROM calibration_sessions s
		ORDER BY s.saved_at DESC, s.session_id`
	args := []interface{}{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var started, saved string
		if err := rows.Scan(&sum.SessionID, &sum.Variant, &started, &saved, &sum.Cameras, &sum.Observations); err != nil {
			return nil, err
		}
		if sum.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if sum.SavedAt, err = parseTime(saved); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// LoadResult reads a stored calibration back.
func (s *Store) LoadResult(ctx context.Context, sessionID string) (calibration.Result, error) {
	res := calibration.Result{
		SessionID:  sessionID,
		Parameters: make(map[l1events.CameraID]calibration.CameraParameters),
	}
	set := &res.Set
	set.SessionID = sessionID
	set.Observations = make(map[l1events.CameraID][]calibration.Observation)

	var started, saved string
	var pairs sql.NullString
	err := s.QueryRowContext(ctx, `
		SELECT variant, started_at, saved_at, sensor_width, sensor_height,
		       grid_rows, grid_cols, spacing_m, pairs_json
		FROM calibration_sessions WHERE session_id = ?`, sessionID).Scan(
		&res.Variant, &started, &saved, &set.SensorWidth, &set.SensorHeight,
		&set.Board.Rows, &set.Board.Cols, &set.Board.SpacingM, &pairs)
	if errors.Is(err, sql.ErrNoRows) {
		return calibration.Result{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return calibration.Result{}, err
	}
	set.Variant = res.Variant
	if res.StartedAt, err = parseTime(started); err != nil {
		return calibration.Result{}, err
	}
	if res.SavedAt, err = parseTime(saved); err != nil {
		return calibration.Result{}, err
	}
	if pairs.Valid {
		if err := json.Unmarshal([]byte(pairs.String), &set.Pairs); err != nil {
			return calibration.Result{}, fmt.Errorf("decoding pairs: %w", err)
		}
	}

	if err := s.loadObservations(ctx, set); err != nil {
		return calibration.Result{}, err
	}
	if err := s.loadParameters(ctx, sessionID, res.Parameters); err != nil {
		return calibration.Result{}, err
	}
	return res, nil
}

func (s *Store) loadObservations(ctx context.Context, set *calibration.ObservationSet) error {
	rows, err := s.QueryContext(ctx, `
		SELECT camera, observation_json FROM calibration_observations
		WHERE session_id = ? ORDER BY camera, seq`, set.SessionID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var cam, blob string
		if err := rows.Scan(&cam, &blob); err != nil {
			return err
		}
		var o calibration.Observation
		if err := json.Unmarshal([]byte(blob), &o); err != nil {
			return fmt.Errorf("decoding observation for %s: %w", cam, err)
		}
		id := l1events.CameraID(cam)
		set.Observations[id] = append(set.Observations[id], o)
	}
	return rows.Err()
}

func (s *Store) loadParameters(ctx context.Context, sessionID string, into map[l1events.CameraID]calibration.CameraParameters) error {
	rows, err := s.QueryContext(ctx, `
		SELECT camera, parameters_json FROM camera_parameters WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var cam, blob string
		if err := rows.Scan(&cam, &blob); err != nil {
			return err
		}
		var p calibration.CameraParameters
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			return fmt.Errorf("decoding parameters for %s: %w", cam, err)
		}
		into[l1events.CameraID(cam)] = p
	}
	return rows.Err()
}

// LatestParameters returns the parameters from the most recent session that
// calibrated camera.
func (s *Store) LatestParameters(ctx context.Context, camera l1events.CameraID) (calibration.CameraParameters, string, error) {
	var sessionID, blob string
	err := s.QueryRowContext(ctx, `
		SELECT p.session_id, p.parameters_json
		FROM camera_parameters p JOIN calibration_sessions s ON s.session_id = p.session_id
		WHERE p.camera = ?
		ORDER BY s.saved_at DESC LIMIT 1`, string(camera)).Scan(&sessionID, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return calibration.CameraParameters{}, "", fmt.Errorf("%w: no calibration for camera %s", ErrNotFound, camera)
	}
	if err != nil {
		return calibration.CameraParameters{}, "", err
	}
	var p calibration.CameraParameters
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return calibration.CameraParameters{}, "", err
	}
	return p, sessionID, nil
}

// DeleteSession removes a session and everything stored with it.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	r, err := s.ExecContext(ctx, `DELETE FROM calibration_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// timeLayout is fixed width so that text ordering is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func nullableJSON(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}
