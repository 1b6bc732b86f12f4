package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/netgroup-polito/frog4-service-layer/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides the PostgreSQL implementation of the persistence collaborator.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.Store = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// -- Sessions --

const sessionColumns = `id, user_id, service_graph_id, service_graph_name, status, started_at, last_update, error, ended`

// InitializeSession records a fresh session in the initializing state.
func (s *Store) InitializeSession(ctx context.Context, sessionID, userID, graphID, graphName string) error {
	sql := `
		INSERT INTO session (id, user_id, service_graph_id, service_graph_name, status, started_at, last_update)
		VALUES ($1, $2, $3, $4, $5, now(), now())`
	if _, err := s.pool.Exec(ctx, sql, sessionID, userID, graphID, graphName, string(schemas.StatusInitializing)); err != nil {
		return fmt.Errorf("failed to initialize session %s: %w", sessionID, err)
	}
	return nil
}

// GetActiveSession returns the user's session that is neither ended nor
// errored, or schemas.ErrNotFound.
func (s *Store) GetActiveSession(ctx context.Context, userID string) (*schemas.Session, error) {
	sql := `
		SELECT ` + sessionColumns + `
		FROM session
		WHERE user_id = $1 AND ended IS NULL AND error IS NULL
		ORDER BY started_at DESC
		LIMIT 1`
	return s.scanSession(s.pool.QueryRow(ctx, sql, userID))
}

// GetActiveDeviceSession returns the user's active session and its device
// count. With a non-empty mac the device must belong to the session. With
// errorAware=false the lookup also matches sessions already marked errored,
// which the delete path needs to tear them down.
func (s *Store) GetActiveDeviceSession(ctx context.Context, userID, mac string, errorAware bool) (int, *schemas.Session, error) {
	sql := `
		SELECT ` + sessionColumns + `
		FROM session
		WHERE user_id = $1 AND ended IS NULL AND error IS NULL
		ORDER BY started_at DESC
		LIMIT 1`
	if !errorAware {
		sql = `
		SELECT ` + sessionColumns + `
		FROM session
		WHERE user_id = $1 AND ended IS NULL
		ORDER BY started_at DESC
		LIMIT 1`
	}
	sess, err := s.scanSession(s.pool.QueryRow(ctx, sql, userID))
	if err != nil {
		return 0, nil, err
	}

	devices, err := s.GetSessionDevices(ctx, sess.ID)
	if err != nil {
		return 0, nil, err
	}
	if mac == "" {
		return len(devices), sess, nil
	}
	for _, d := range devices {
		if d.MACAddress == mac {
			return len(devices), sess, nil
		}
	}
	return 0, nil, fmt.Errorf("device %s not in session %s: %w", mac, sess.ID, schemas.ErrNotFound)
}

// UpdateStatus moves a non-errored session to the given status. Errored
// sessions are terminal and never change status again.
func (s *Store) UpdateStatus(ctx context.Context, sessionID string, status schemas.SessionStatus) error {
	sql := `UPDATE session SET status = $2, last_update = now() WHERE id = $1 AND error IS NULL`
	if _, err := s.pool.Exec(ctx, sql, sessionID, string(status)); err != nil {
		return fmt.Errorf("failed to update status of session %s: %w", sessionID, err)
	}
	return nil
}

// SetError marks the active session as failed. The timestamp doubles as the
// error flag: once set the session drops out of every active lookup.
func (s *Store) SetError(ctx context.Context, sessionID string) error {
	sql := `UPDATE session SET error = now() WHERE id = $1 AND ended IS NULL AND error IS NULL`
	if _, err := s.pool.Exec(ctx, sql, sessionID); err != nil {
		return fmt.Errorf("failed to set error on session %s: %w", sessionID, err)
	}
	return nil
}

// SetEnded closes the session unconditionally, errored or not.
func (s *Store) SetEnded(ctx context.Context, sessionID string) error {
	sql := `UPDATE session SET ended = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, sql, sessionID); err != nil {
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) scanSession(row pgx.Row) (*schemas.Session, error) {
	var sess schemas.Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.GraphID, &sess.GraphName, &sess.Status,
		&sess.StartedAt, &sess.LastUpdate, &sess.Error, &sess.Ended)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", schemas.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return &sess, nil
}

// -- Graph snapshots --

// AddGraph stores a new graph snapshot for the session and returns its id.
func (s *Store) AddGraph(ctx context.Context, sessionID string, snapshot []byte) (string, error) {
	sql := `INSERT INTO graph (session_id, service_graph) VALUES ($1, $2) RETURNING id`
	var id int64
	if err := s.pool.QueryRow(ctx, sql, sessionID, snapshot).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to add graph for session %s: %w", sessionID, err)
	}
	return strconv.FormatInt(id, 10), nil
}

// SetServiceGraph overwrites the snapshot of an existing graph row.
func (s *Store) SetServiceGraph(ctx context.Context, graphID string, snapshot []byte) error {
	id, err := parseDBID(graphID)
	if err != nil {
		return err
	}
	sql := `UPDATE graph SET service_graph = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, sql, id, snapshot)
	if err != nil {
		return fmt.Errorf("failed to update graph %s: %w", graphID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("graph %s: %w", graphID, schemas.ErrNotFound)
	}
	return nil
}

// GetLastGraph returns the id and snapshot of the most recent graph stored
// for the session.
func (s *Store) GetLastGraph(ctx context.Context, sessionID string) (string, []byte, error) {
	sql := `SELECT id, service_graph FROM graph WHERE session_id = $1 ORDER BY id DESC LIMIT 1`
	var (
		id       int64
		snapshot []byte
	)
	err := s.pool.QueryRow(ctx, sql, sessionID).Scan(&id, &snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, fmt.Errorf("no graph for session %s: %w", sessionID, schemas.ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load last graph for session %s: %w", sessionID, err)
	}
	return strconv.FormatInt(id, 10), snapshot, nil
}

// DeleteGraphs removes every snapshot stored for the session.
func (s *Store) DeleteGraphs(ctx context.Context, sessionID string) error {
	sql := `DELETE FROM graph WHERE session_id = $1`
	if _, err := s.pool.Exec(ctx, sql, sessionID); err != nil {
		return fmt.Errorf("failed to delete graphs for session %s: %w", sessionID, err)
	}
	return nil
}

// -- User devices --

// AddDevice records a device MAC in the session.
func (s *Store) AddDevice(ctx context.Context, device *schemas.UserDevice) error {
	sql := `
		INSERT INTO user_device (session_id, mac_address, endpoint_id, endpoint_db_id)
		VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, sql, device.SessionID, device.MACAddress, device.EndPointID, device.EndPointDBID)
	if err != nil {
		return fmt.Errorf("failed to add device %s to session %s: %w", device.MACAddress, device.SessionID, err)
	}
	return nil
}

// DeleteDevice removes one device from the session; ErrNotFound if absent.
func (s *Store) DeleteDevice(ctx context.Context, sessionID, mac string) error {
	sql := `DELETE FROM user_device WHERE session_id = $1 AND mac_address = $2`
	tag, err := s.pool.Exec(ctx, sql, sessionID, mac)
	if err != nil {
		return fmt.Errorf("failed to delete device %s from session %s: %w", mac, sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device %s in session %s: %w", mac, sessionID, schemas.ErrNotFound)
	}
	return nil
}

// GetSessionDevices lists every device bound to the session.
func (s *Store) GetSessionDevices(ctx context.Context, sessionID string) ([]schemas.UserDevice, error) {
	sql := `
		SELECT session_id, mac_address, endpoint_id, endpoint_db_id
		FROM user_device
		WHERE session_id = $1
		ORDER BY mac_address`
	rows, err := s.pool.Query(ctx, sql, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var devices []schemas.UserDevice
	for rows.Next() {
		var d schemas.UserDevice
		if err := rows.Scan(&d.SessionID, &d.MACAddress, &d.EndPointID, &d.EndPointDBID); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("device rows: %w", err)
	}
	return devices, nil
}

// -- Endpoint records --

// GetEndpointRecord loads the characterization record an endpoint points at.
func (s *Store) GetEndpointRecord(ctx context.Context, dbID string) (*schemas.EndPointRecord, error) {
	id, err := parseDBID(dbID)
	if err != nil {
		return nil, err
	}
	sql := `SELECT id, name, type, domain_name, interface FROM end_point WHERE id = $1`
	var (
		rec   schemas.EndPointRecord
		rowID int64
	)
	err = s.pool.QueryRow(ctx, sql, id).Scan(&rowID, &rec.Name, &rec.Type, &rec.Domain, &rec.Interface)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("endpoint record %s: %w", dbID, schemas.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoint record %s: %w", dbID, err)
	}
	rec.ID = strconv.FormatInt(rowID, 10)
	return &rec, nil
}

// AddEndpointRecord stores a new characterization record and returns its id.
func (s *Store) AddEndpointRecord(ctx context.Context, name, domain, recordType, iface string) (string, error) {
	sql := `
		INSERT INTO end_point (name, type, domain_name, interface)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	var id int64
	if err := s.pool.QueryRow(ctx, sql, name, recordType, domain, iface).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to add endpoint record %s: %w", name, err)
	}
	return strconv.FormatInt(id, 10), nil
}

// -- Discovered domains --

// UpsertDomain records a discovered domain, reusing the row when the same
// name was announced before, and returns its id.
func (s *Store) UpsertDomain(ctx context.Context, name, domainType string) (string, error) {
	sql := `
		INSERT INTO domain (name, type)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET type = EXCLUDED.type
		RETURNING id`
	var id int64
	if err := s.pool.QueryRow(ctx, sql, name, domainType).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to upsert domain %s: %w", name, err)
	}
	return strconv.FormatInt(id, 10), nil
}

// AddDomainInfo replaces the stored interface inventory of a domain with the
// latest announcement. The whole swap happens in one transaction so readers
// never see a half-updated inventory.
func (s *Store) AddDomainInfo(ctx context.Context, info *schemas.DomainInfo) error {
	domainID, err := parseDBID(info.ID)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	cleanup := []string{
		`DELETE FROM domain_neighbor WHERE domain_info_id IN (SELECT id FROM domain_information WHERE domain_id = $1)`,
		`DELETE FROM domain_gre WHERE domain_info_id IN (SELECT id FROM domain_information WHERE domain_id = $1)`,
		`DELETE FROM domain_information WHERE domain_id = $1`,
	}
	for _, stmt := range cleanup {
		if _, err := tx.Exec(ctx, stmt, domainID); err != nil {
			return fmt.Errorf("failed to clear info for domain %s: %w", info.Name, err)
		}
	}

	for _, iface := range info.Interfaces {
		var infoID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO domain_information (domain_id, node, interface, interface_type, gre, vlan)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			domainID, iface.Node, iface.Name, iface.Type, iface.GRE, iface.VLAN).Scan(&infoID)
		if err != nil {
			return fmt.Errorf("failed to store interface %s/%s: %w", iface.Node, iface.Name, err)
		}

		for _, tun := range iface.GRETunnels {
			_, err := tx.Exec(ctx, `
				INSERT INTO domain_gre (domain_info_id, name, local_ip, remote_ip, gre_key)
				VALUES ($1, $2, $3, $4, $5)`,
				infoID, tun.Name, tun.LocalIP, tun.RemoteIP, tun.Key)
			if err != nil {
				return fmt.Errorf("failed to store gre tunnel %s: %w", tun.Name, err)
			}
		}
		for _, n := range iface.Neighbors {
			_, err := tx.Exec(ctx, `
				INSERT INTO domain_neighbor (domain_info_id, neighbor_domain_name, neighbor_node, neighbor_interface)
				VALUES ($1, $2, $3, $4)`,
				infoID, n.Domain, n.Node, n.Interface)
			if err != nil {
				return fmt.Errorf("failed to store neighbor %s: %w", n.Domain, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit domain info: %w", err)
	}
	return nil
}

func parseDBID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed database id %q: %w", raw, schemas.ErrNotFound)
	}
	return id, nil
}
