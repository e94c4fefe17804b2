package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE automations (
				id VARCHAR(255) PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT false,
				trigger_type VARCHAR(64) NOT NULL,
				definition JSONB NOT NULL,
				total_executions BIGINT NOT NULL DEFAULT 0,
				successful_executions BIGINT NOT NULL DEFAULT 0,
				failed_executions BIGINT NOT NULL DEFAULT 0,
				last_executed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_automations_org_active ON automations(organization_id, is_active, trigger_type)
				WHERE deleted_at IS NULL;
			CREATE INDEX idx_automations_created_at ON automations(created_at);
		`,
		2: `
			CREATE TABLE runs (
				id VARCHAR(255) PRIMARY KEY,
				automation_id VARCHAR(255) NOT NULL,
				organization_id VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				correlation_value VARCHAR(255) NOT NULL DEFAULT '',
				next_wake_at TIMESTAMP WITH TIME ZONE,
				cancel_requested BOOLEAN NOT NULL DEFAULT false,
				data JSONB NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_runs_automation_started ON runs(automation_id, started_at DESC);
			CREATE INDEX idx_runs_status ON runs(status);
			CREATE INDEX idx_runs_wake ON runs(next_wake_at) WHERE status = 'waiting';
			CREATE INDEX idx_runs_correlation ON runs(automation_id, correlation_value)
				WHERE status IN ('pending', 'running', 'waiting');
		`,
		3: `
			CREATE TABLE schedule_states (
				automation_id VARCHAR(255) PRIMARY KEY,
				next_fire_at TIMESTAMP WITH TIME ZONE,
				data JSONB NOT NULL
			);

			CREATE INDEX idx_schedule_states_next_fire_at ON schedule_states(next_fire_at);
		`,
		4: `
			ALTER TABLE runs ADD COLUMN event_id VARCHAR(255) NOT NULL DEFAULT '';

			CREATE UNIQUE INDEX idx_runs_event ON runs(automation_id, event_id) WHERE event_id <> '';
			CREATE INDEX idx_runs_cancel_requested ON runs(id) WHERE cancel_requested AND status = 'waiting';
		`,
	}
}
