package repository

import (
	"database/sql"
	"fmt"
	"time"

	"media-orchestrator/core/models"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database and ensures the schema exists.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			media_type TEXT NOT NULL,
			media_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			media_count INTEGER NOT NULL DEFAULT 0,
			media_resolution TEXT NOT NULL DEFAULT '',
			media_size_gb DOUBLE PRECISION NOT NULL DEFAULT 0,
			media_complexity DOUBLE PRECISION NOT NULL DEFAULT 0,
			min_vram_gb INTEGER NOT NULL DEFAULT 0,
			min_compute_tflops DOUBLE PRECISION NOT NULL DEFAULT 0,
			priority TEXT NOT NULL,
			privacy BOOLEAN NOT NULL DEFAULT FALSE,
			budget_ceiling_usd DOUBLE PRECISION,
			deadline_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			candidate_provider TEXT,
			candidate_class TEXT,
			candidate_rate_usd DOUBLE PRECISION,
			candidate_spot BOOLEAN,
			instance_id TEXT NOT NULL DEFAULT '',
			initial_cost_usd DOUBLE PRECISION,
			initial_duration_seconds DOUBLE PRECISION,
			refined_cost_usd DOUBLE PRECISION,
			refined_duration_seconds DOUBLE PRECISION,
			accrued_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			partial_results BOOLEAN NOT NULL DEFAULT FALSE,
			spec_yaml TEXT NOT NULL DEFAULT '',
			submitted_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			handle TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			instance_class TEXT NOT NULL,
			state TEXT NOT NULL,
			job_id TEXT NOT NULL,
			hourly_rate_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			lease_start TIMESTAMPTZ,
			accrued_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS instances_job_id_idx ON instances (job_id)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			from_state TEXT NOT NULL DEFAULT '',
			to_state TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS job_events_job_id_idx ON job_events (job_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const jobColumns = `id, name, media_type, media_duration_seconds, media_count,
	media_resolution, media_size_gb, media_complexity, min_vram_gb,
	min_compute_tflops, priority, privacy, budget_ceiling_usd, deadline_at,
	status, failure_reason, candidate_provider, candidate_class,
	candidate_rate_usd, candidate_spot, instance_id, initial_cost_usd,
	initial_duration_seconds, refined_cost_usd, refined_duration_seconds,
	accrued_cost_usd, partial_results, spec_yaml, submitted_at, started_at,
	finished_at, updated_at`

func (s *PostgresStore) CreateJob(job *models.Job) error {
	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
		$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)`
	_, err := s.db.Exec(query, jobArgs(job)...)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(job *models.Job) error {
	query := `UPDATE jobs SET
		name=$2, media_type=$3, media_duration_seconds=$4, media_count=$5,
		media_resolution=$6, media_size_gb=$7, media_complexity=$8,
		min_vram_gb=$9, min_compute_tflops=$10, priority=$11, privacy=$12,
		budget_ceiling_usd=$13, deadline_at=$14, status=$15,
		failure_reason=$16, candidate_provider=$17, candidate_class=$18,
		candidate_rate_usd=$19, candidate_spot=$20, instance_id=$21,
		initial_cost_usd=$22, initial_duration_seconds=$23,
		refined_cost_usd=$24, refined_duration_seconds=$25,
		accrued_cost_usd=$26, partial_results=$27, spec_yaml=$28,
		submitted_at=$29, started_at=$30, finished_at=$31, updated_at=$32
		WHERE id=$1`
	res, err := s.db.Exec(query, jobArgs(job)...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func jobArgs(job *models.Job) []interface{} {
	var candProvider, candClass *string
	var candRate *float64
	var candSpot *bool
	if job.Candidate != nil {
		candProvider = &job.Candidate.Provider
		candClass = &job.Candidate.InstanceClass
		candRate = &job.Candidate.HourlyRateUSD
		candSpot = &job.Candidate.Spot
	}
	var initCost, initDur, refCost, refDur *float64
	if job.InitialEstimate != nil {
		initCost = &job.InitialEstimate.PointCostUSD
		d := job.InitialEstimate.ProjectedDuration.Seconds()
		initDur = &d
	}
	if job.RefinedEstimate != nil {
		refCost = &job.RefinedEstimate.PointCostUSD
		d := job.RefinedEstimate.ProjectedDuration.Seconds()
		refDur = &d
	}
	return []interface{}{
		job.ID, job.Name, job.Media.Type, job.Media.DurationSeconds,
		job.Media.Count, job.Media.Resolution, job.Media.SizeGB,
		job.Media.Complexity, job.Requirements.MinVRAMGB,
		job.Requirements.MinComputeTFLOPS, job.Priority, job.Privacy,
		job.BudgetCeiling, job.Deadline, job.Status, job.FailureReason,
		candProvider, candClass, candRate, candSpot, job.InstanceID,
		initCost, initDur, refCost, refDur, job.AccruedCostUSD,
		job.PartialResults, job.SpecYAML, job.SubmittedAt, job.StartedAt,
		job.FinishedAt, job.UpdatedAt,
	}
}

func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) ListJobs(status *models.JobStatus, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, *status)
	}
	query += ` ORDER BY submitted_at`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryJobs(query, args...)
}

func (s *PostgresStore) ListUnfinishedJobs() ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status NOT IN ($1, $2, $3) ORDER BY submitted_at`
	return s.queryJobs(query, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled)
}

func (s *PostgresStore) queryJobs(query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var deadline, startedAt, finishedAt sql.NullTime
	var budget sql.NullFloat64
	var candProvider, candClass sql.NullString
	var candRate sql.NullFloat64
	var candSpot sql.NullBool
	var initCost, initDur, refCost, refDur sql.NullFloat64

	err := row.Scan(
		&job.ID, &job.Name, &job.Media.Type, &job.Media.DurationSeconds,
		&job.Media.Count, &job.Media.Resolution, &job.Media.SizeGB,
		&job.Media.Complexity, &job.Requirements.MinVRAMGB,
		&job.Requirements.MinComputeTFLOPS, &job.Priority, &job.Privacy,
		&budget, &deadline, &job.Status, &job.FailureReason,
		&candProvider, &candClass, &candRate, &candSpot, &job.InstanceID,
		&initCost, &initDur, &refCost, &refDur, &job.AccruedCostUSD,
		&job.PartialResults, &job.SpecYAML, &job.SubmittedAt, &startedAt,
		&finishedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if budget.Valid {
		job.BudgetCeiling = &budget.Float64
	}
	if deadline.Valid {
		job.Deadline = &deadline.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	if candProvider.Valid {
		job.Candidate = &models.Candidate{
			Provider:      candProvider.String,
			InstanceClass: candClass.String,
			HourlyRateUSD: candRate.Float64,
			Spot:          candSpot.Bool,
		}
	}
	if initCost.Valid {
		job.InitialEstimate = &models.CostEstimate{
			PointCostUSD:      initCost.Float64,
			ProjectedDuration: time.Duration(initDur.Float64 * float64(time.Second)),
		}
	}
	if refCost.Valid {
		job.RefinedEstimate = &models.CostEstimate{
			PointCostUSD:      refCost.Float64,
			ProjectedDuration: time.Duration(refDur.Float64 * float64(time.Second)),
		}
	}
	return &job, nil
}

func (s *PostgresStore) PutInstance(inst *models.Instance) error {
	query := `INSERT INTO instances (
			id, handle, provider, instance_class, state, job_id,
			hourly_rate_usd, lease_start, accrued_cost_usd, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			handle = EXCLUDED.handle,
			state = EXCLUDED.state,
			lease_start = EXCLUDED.lease_start,
			accrued_cost_usd = EXCLUDED.accrued_cost_usd,
			updated_at = EXCLUDED.updated_at`
	var leaseStart *time.Time
	if !inst.LeaseStart.IsZero() {
		leaseStart = &inst.LeaseStart
	}
	_, err := s.db.Exec(query,
		inst.ID, inst.Handle, inst.Provider, inst.InstanceClass, inst.State,
		inst.JobID, inst.HourlyRateUSD, leaseStart, inst.AccruedCostUSD,
		inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put instance %s: %w", inst.ID, err)
	}
	return nil
}

const instanceColumns = `id, handle, provider, instance_class, state, job_id,
	hourly_rate_usd, lease_start, accrued_cost_usd, updated_at`

func (s *PostgresStore) GetInstance(id string) (*models.Instance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	return scanInstance(row)
}

func (s *PostgresStore) GetInstanceByJob(jobID string) (*models.Instance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM instances
		WHERE job_id = $1 ORDER BY updated_at DESC LIMIT 1`, jobID)
	return scanInstance(row)
}

func scanInstance(row rowScanner) (*models.Instance, error) {
	var inst models.Instance
	var leaseStart sql.NullTime
	err := row.Scan(
		&inst.ID, &inst.Handle, &inst.Provider, &inst.InstanceClass,
		&inst.State, &inst.JobID, &inst.HourlyRateUSD, &leaseStart,
		&inst.AccruedCostUSD, &inst.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if leaseStart.Valid {
		inst.LeaseStart = leaseStart.Time
	}
	return &inst, nil
}

func (s *PostgresStore) AppendEvent(ev models.StateEvent) error {
	_, err := s.db.Exec(`INSERT INTO job_events
		(job_id, instance_id, from_state, to_state, at, detail)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.JobID, ev.InstanceID, ev.From, ev.To, ev.At, ev.Detail)
	if err != nil {
		return fmt.Errorf("append event for job %s: %w", ev.JobID, err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(jobID string, limit int) ([]models.StateEvent, error) {
	// With a limit, the newest events are the ones worth returning.
	query := `SELECT id, job_id, instance_id, from_state, to_state, at, detail
		FROM job_events WHERE job_id = $1 ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.Query(query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events for job %s: %w", jobID, err)
	}
	defer rows.Close()
	var events []models.StateEvent
	for rows.Next() {
		var ev models.StateEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.InstanceID, &ev.From, &ev.To, &ev.At, &ev.Detail); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
