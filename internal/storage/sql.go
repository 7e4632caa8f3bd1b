package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/vigil-hq/vigil/internal/protocol"
)

// SQLStore implements Storage on database/sql. The same code serves both
// supported drivers; only the schema DDL differs.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLite opens (or creates) a sqlite database file.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	// The sensor alert queue is consumed by one goroutine and fed by many
	// sessions; a single connection sidesteps sqlite write contention.
	db.SetMaxOpenConns(1)
	s := &SQLStore{db: db, driver: "sqlite"}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMySQL connects to a mysql server.
func OpenMySQL(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	s := &SQLStore{db: db, driver: "mysql"}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createSchema() error {
	autoinc := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "mysql" {
		autoinc = "BIGINT PRIMARY KEY AUTO_INCREMENT"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS nodes (
			id          %s,
			username    VARCHAR(255) NOT NULL UNIQUE,
			hostname    VARCHAR(255) NOT NULL,
			node_type   VARCHAR(32) NOT NULL,
			instance    VARCHAR(255) NOT NULL,
			connected   INTEGER NOT NULL DEFAULT 0,
			version     DOUBLE NOT NULL DEFAULT 0,
			rev         INTEGER NOT NULL DEFAULT 0,
			persistent  INTEGER NOT NULL DEFAULT 0
		)`, autoinc),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sensors (
			id                 %s,
			node_id            BIGINT NOT NULL,
			client_sensor_id   INTEGER NOT NULL,
			description        VARCHAR(255) NOT NULL,
			state              INTEGER NOT NULL DEFAULT 0,
			alert_delay        INTEGER NOT NULL DEFAULT 0,
			alert_levels       TEXT NOT NULL,
			last_state_updated BIGINT NOT NULL DEFAULT 0,
			data_type          INTEGER NOT NULL DEFAULT 0,
			data               TEXT
		)`, autoinc),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS alerts (
			id              %s,
			node_id         BIGINT NOT NULL,
			client_alert_id INTEGER NOT NULL,
			description     VARCHAR(255) NOT NULL,
			alert_levels    TEXT NOT NULL
		)`, autoinc),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS managers (
			id          %s,
			node_id     BIGINT NOT NULL UNIQUE,
			description VARCHAR(255) NOT NULL
		)`, autoinc),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sensor_alerts (
			id                %s,
			sensor_id         BIGINT NOT NULL,
			state             INTEGER NOT NULL,
			change_state      INTEGER NOT NULL,
			has_optional_data INTEGER NOT NULL,
			optional_data     TEXT,
			has_latest_data   INTEGER NOT NULL,
			data_type         INTEGER NOT NULL DEFAULT 0,
			data              TEXT,
			time_received     BIGINT NOT NULL,
			alert_delay       INTEGER NOT NULL DEFAULT 0
		)`, autoinc),
		`CREATE TABLE IF NOT EXISTS options (
			option_type VARCHAR(64) PRIMARY KEY,
			value       DOUBLE NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sensors_node_id ON sensors(node_id)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_alerts_node_id ON alerts(node_id)`)

	// A fresh database starts with the alarm system active; an existing
	// stored value is never overwritten.
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM options WHERE option_type = ?`, OptionAlertSystemActive).Scan(&n); err != nil {
		return fmt.Errorf("check options: %w", err)
	}
	if n == 0 {
		if _, err := s.db.Exec(`INSERT INTO options (option_type, value) VALUES (?, ?)`, OptionAlertSystemActive, 1.0); err != nil {
			return fmt.Errorf("seed options: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) UpsertNode(username, hostname string, nodeType protocol.NodeType, instance string, version float64, rev, persistent int) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM nodes WHERE username = ?`, username).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := s.db.Exec(`INSERT INTO nodes (username, hostname, node_type, instance, connected, version, rev, persistent)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
			username, hostname, nodeType, instance, version, rev, persistent)
		if err != nil {
			return 0, fmt.Errorf("insert node %s: %w", username, err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("lookup node %s: %w", username, err)
	}

	_, err = s.db.Exec(`UPDATE nodes
		SET hostname = ?, node_type = ?, instance = ?, connected = 1, version = ?, rev = ?, persistent = ?
		WHERE id = ?`,
		hostname, nodeType, instance, version, rev, persistent, id)
	if err != nil {
		return 0, fmt.Errorf("update node %s: %w", username, err)
	}
	return id, nil
}

func (s *SQLStore) MarkNodeConnected(nodeID int64, connected int) error {
	_, err := s.db.Exec(`UPDATE nodes SET connected = ? WHERE id = ?`, connected, nodeID)
	if err != nil {
		return fmt.Errorf("mark node %d connected=%d: %w", nodeID, connected, err)
	}
	return nil
}

func (s *SQLStore) SyncSensors(nodeID int64, sensors []protocol.SensorReg, now int64) error {
	existing := make(map[int]int64)
	rows, err := s.db.Query(`SELECT id, client_sensor_id FROM sensors WHERE node_id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("list sensors of node %d: %w", nodeID, err)
	}
	for rows.Next() {
		var id int64
		var csid int
		if err := rows.Scan(&id, &csid); err != nil {
			rows.Close()
			return err
		}
		existing[csid] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	seen := make(map[int]bool, len(sensors))
	for _, reg := range sensors {
		seen[reg.ClientSensorID] = true
		levels, err := json.Marshal(reg.AlertLevels)
		if err != nil {
			return fmt.Errorf("marshal alert levels: %w", err)
		}
		data := dataArg(reg.DataType, reg.Data)

		if id, ok := existing[reg.ClientSensorID]; ok {
			_, err = s.db.Exec(`UPDATE sensors
				SET description = ?, state = ?, alert_delay = ?, alert_levels = ?, last_state_updated = ?, data_type = ?, data = ?
				WHERE id = ?`,
				reg.Description, reg.State, reg.AlertDelay, string(levels), now, reg.DataType, data, id)
			if err != nil {
				return fmt.Errorf("update sensor %d: %w", id, err)
			}
			continue
		}
		_, err = s.db.Exec(`INSERT INTO sensors (node_id, client_sensor_id, description, state, alert_delay, alert_levels, last_state_updated, data_type, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nodeID, reg.ClientSensorID, reg.Description, reg.State, reg.AlertDelay, string(levels), now, reg.DataType, data)
		if err != nil {
			return fmt.Errorf("insert sensor: %w", err)
		}
	}

	for csid, id := range existing {
		if seen[csid] {
			continue
		}
		if _, err := s.db.Exec(`DELETE FROM sensor_alerts WHERE sensor_id = ?`, id); err != nil {
			return fmt.Errorf("purge alerts of sensor %d: %w", id, err)
		}
		if _, err := s.db.Exec(`DELETE FROM sensors WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete sensor %d: %w", id, err)
		}
	}
	return nil
}

func (s *SQLStore) SyncAlerts(nodeID int64, alerts []protocol.AlertReg) error {
	existing := make(map[int]int64)
	rows, err := s.db.Query(`SELECT id, client_alert_id FROM alerts WHERE node_id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("list alerts of node %d: %w", nodeID, err)
	}
	for rows.Next() {
		var id int64
		var caid int
		if err := rows.Scan(&id, &caid); err != nil {
			rows.Close()
			return err
		}
		existing[caid] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	seen := make(map[int]bool, len(alerts))
	for _, reg := range alerts {
		seen[reg.ClientAlertID] = true
		levels, err := json.Marshal(reg.AlertLevels)
		if err != nil {
			return fmt.Errorf("marshal alert levels: %w", err)
		}
		if id, ok := existing[reg.ClientAlertID]; ok {
			if _, err := s.db.Exec(`UPDATE alerts SET description = ?, alert_levels = ? WHERE id = ?`,
				reg.Description, string(levels), id); err != nil {
				return fmt.Errorf("update alert %d: %w", id, err)
			}
			continue
		}
		if _, err := s.db.Exec(`INSERT INTO alerts (node_id, client_alert_id, description, alert_levels)
			VALUES (?, ?, ?, ?)`,
			nodeID, reg.ClientAlertID, reg.Description, string(levels)); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
	}

	for caid, id := range existing {
		if seen[caid] {
			continue
		}
		if _, err := s.db.Exec(`DELETE FROM alerts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete alert %d: %w", id, err)
		}
	}
	return nil
}

func (s *SQLStore) UpsertManager(nodeID int64, description string) error {
	res, err := s.db.Exec(`UPDATE managers SET description = ? WHERE node_id = ?`, description, nodeID)
	if err != nil {
		return fmt.Errorf("update manager of node %d: %w", nodeID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.db.Exec(`INSERT INTO managers (node_id, description) VALUES (?, ?)`, nodeID, description); err != nil {
		return fmt.Errorf("insert manager of node %d: %w", nodeID, err)
	}
	return nil
}

func (s *SQLStore) SensorByAddress(username string, clientSensorID int) (*Sensor, error) {
	row := s.db.QueryRow(`SELECT s.id, s.node_id, s.client_sensor_id, s.description, s.state, s.alert_delay, s.alert_levels, s.last_state_updated, s.data_type, s.data
		FROM sensors s JOIN nodes n ON s.node_id = n.id
		WHERE n.username = ? AND s.client_sensor_id = ?`, username, clientSensorID)
	return scanSensor(row)
}

func (s *SQLStore) SensorByID(sensorID int64) (*Sensor, error) {
	row := s.db.QueryRow(`SELECT id, node_id, client_sensor_id, description, state, alert_delay, alert_levels, last_state_updated, data_type, data
		FROM sensors WHERE id = ?`, sensorID)
	return scanSensor(row)
}

func (s *SQLStore) UpdateSensorState(sensorID int64, state int, updatedAt int64) error {
	res, err := s.db.Exec(`UPDATE sensors SET state = ?, last_state_updated = ? WHERE id = ?`,
		state, updatedAt, sensorID)
	if err != nil {
		return fmt.Errorf("update sensor %d state: %w", sensorID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLStore) UpdateSensorData(sensorID int64, dataType protocol.DataType, data string) error {
	var arg any
	if dataType != protocol.DataNone {
		arg = data
	}
	res, err := s.db.Exec(`UPDATE sensors SET data_type = ?, data = ? WHERE id = ?`,
		dataType, arg, sensorID)
	if err != nil {
		return fmt.Errorf("update sensor %d data: %w", sensorID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLStore) AddSensorAlert(sa SensorAlert) error {
	var optional any
	if sa.HasOptionalData {
		optional = string(sa.OptionalData)
	}
	_, err := s.db.Exec(`INSERT INTO sensor_alerts (sensor_id, state, change_state, has_optional_data, optional_data, has_latest_data, data_type, data, time_received, alert_delay)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sa.SensorID, sa.State, boolInt(sa.ChangeState), boolInt(sa.HasOptionalData), optional,
		boolInt(sa.HasLatestData), sa.DataType, dataArg(sa.DataType, sa.Data), sa.TimeReceived, sa.AlertDelay)
	if err != nil {
		return fmt.Errorf("queue sensor alert for sensor %d: %w", sa.SensorID, err)
	}
	return nil
}

func (s *SQLStore) PendingSensorAlerts() ([]SensorAlert, error) {
	rows, err := s.db.Query(`SELECT id, sensor_id, state, change_state, has_optional_data, optional_data, has_latest_data, data_type, data, time_received, alert_delay
		FROM sensor_alerts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sensor alerts: %w", err)
	}
	defer rows.Close()

	out := make([]SensorAlert, 0)
	for rows.Next() {
		var (
			sa                                       SensorAlert
			changeState, hasOptional, hasLatest      int
			optional, data                           sql.NullString
		)
		if err := rows.Scan(&sa.ID, &sa.SensorID, &sa.State, &changeState, &hasOptional,
			&optional, &hasLatest, &sa.DataType, &data, &sa.TimeReceived, &sa.AlertDelay); err != nil {
			return nil, err
		}
		sa.ChangeState = changeState == 1
		sa.HasOptionalData = hasOptional == 1
		sa.HasLatestData = hasLatest == 1
		if optional.Valid {
			sa.OptionalData = json.RawMessage(optional.String)
		}
		if data.Valid {
			sa.Data = json.Number(data.String)
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteSensorAlert(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM sensor_alerts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete sensor alert %d: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Nodes() ([]Node, error) {
	rows, err := s.db.Query(`SELECT id, username, hostname, node_type, instance, connected, version, rev, persistent
		FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	out := make([]Node, 0)
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Username, &n.Hostname, &n.NodeType, &n.Instance,
			&n.Connected, &n.Version, &n.Rev, &n.Persistent); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLStore) Sensors() ([]Sensor, error) {
	rows, err := s.db.Query(`SELECT id, node_id, client_sensor_id, description, state, alert_delay, alert_levels, last_state_updated, data_type, data
		FROM sensors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sensors: %w", err)
	}
	defer rows.Close()

	out := make([]Sensor, 0)
	for rows.Next() {
		sensor, err := scanSensor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sensor)
	}
	return out, rows.Err()
}

func (s *SQLStore) Alerts() ([]Alert, error) {
	rows, err := s.db.Query(`SELECT id, node_id, client_alert_id, description, alert_levels
		FROM alerts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]Alert, 0)
	for rows.Next() {
		var (
			a      Alert
			levels string
		)
		if err := rows.Scan(&a.ID, &a.NodeID, &a.ClientAlertID, &a.Description, &levels); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(levels), &a.AlertLevels)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) Managers() ([]Manager, error) {
	rows, err := s.db.Query(`SELECT id, node_id, description FROM managers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list managers: %w", err)
	}
	defer rows.Close()

	out := make([]Manager, 0)
	for rows.Next() {
		var m Manager
		if err := rows.Scan(&m.ID, &m.NodeID, &m.Description); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) SensorAlertLevels() ([]int, error) {
	sensors, err := s.Sensors()
	if err != nil {
		return nil, err
	}
	set := make(map[int]bool)
	for _, sensor := range sensors {
		for _, lvl := range sensor.AlertLevels {
			set[lvl] = true
		}
	}
	return sortedLevels(set), nil
}

func (s *SQLStore) AlertAlertLevels() ([]int, error) {
	alerts, err := s.Alerts()
	if err != nil {
		return nil, err
	}
	set := make(map[int]bool)
	for _, a := range alerts {
		for _, lvl := range a.AlertLevels {
			set[lvl] = true
		}
	}
	return sortedLevels(set), nil
}

func (s *SQLStore) GetOption(optionType string) (float64, error) {
	var v float64
	err := s.db.QueryRow(`SELECT value FROM options WHERE option_type = ?`, optionType).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, sql.ErrNoRows
	}
	if err != nil {
		return 0, fmt.Errorf("get option %s: %w", optionType, err)
	}
	return v, nil
}

func (s *SQLStore) SetOption(optionType string, value float64) error {
	res, err := s.db.Exec(`UPDATE options SET value = ? WHERE option_type = ?`, value, optionType)
	if err != nil {
		return fmt.Errorf("set option %s: %w", optionType, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.db.Exec(`INSERT INTO options (option_type, value) VALUES (?, ?)`, optionType, value); err != nil {
		return fmt.Errorf("insert option %s: %w", optionType, err)
	}
	return nil
}

func (s *SQLStore) Options() ([]Option, error) {
	rows, err := s.db.Query(`SELECT option_type, value FROM options ORDER BY option_type`)
	if err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}
	defer rows.Close()

	out := make([]Option, 0)
	for rows.Next() {
		var o Option
		if err := rows.Scan(&o.Type, &o.Value); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSensor(sc scanner) (*Sensor, error) {
	var (
		sensor Sensor
		levels string
		data   sql.NullString
	)
	if err := sc.Scan(&sensor.ID, &sensor.NodeID, &sensor.ClientSensorID, &sensor.Description,
		&sensor.State, &sensor.AlertDelay, &levels, &sensor.LastStateUpdated,
		&sensor.DataType, &data); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(levels), &sensor.AlertLevels)
	if data.Valid {
		sensor.Data = json.Number(data.String)
	}
	return &sensor, nil
}

func dataArg(dt protocol.DataType, data json.Number) any {
	if dt == protocol.DataNone || data == "" {
		return nil
	}
	return string(data)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sortedLevels(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for lvl := range set {
		out = append(out, lvl)
	}
	sort.Ints(out)
	return out
}
