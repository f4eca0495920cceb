package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create process_definitions table
			CREATE TABLE process_definitions (
				id VARCHAR(36) PRIMARY KEY,
				key VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				tenant_id VARCHAR(255) NOT NULL DEFAULT '',
				elements JSONB NOT NULL,
				errors JSONB,
				messages JSONB,
				signals JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE UNIQUE INDEX idx_process_definitions_key_version ON process_definitions(key, version, tenant_id);
			CREATE INDEX idx_process_definitions_key ON process_definitions(key, tenant_id);

			-- Create executions table
			CREATE TABLE executions (
				id VARCHAR(36) PRIMARY KEY,
				process_instance_id VARCHAR(36) NOT NULL DEFAULT '',
				parent_id VARCHAR(36) NOT NULL DEFAULT '',
				root_process_instance_id VARCHAR(36) NOT NULL DEFAULT '',
				process_definition_id VARCHAR(36) NOT NULL DEFAULT '',
				current_element_id VARCHAR(255) NOT NULL DEFAULT '',
				active BOOLEAN NOT NULL DEFAULT TRUE,
				event_scope BOOLEAN NOT NULL DEFAULT FALSE,
				multi_instance_root BOOLEAN NOT NULL DEFAULT FALSE,
				tenant_id VARCHAR(255) NOT NULL DEFAULT '',
				super_execution_id VARCHAR(36) NOT NULL DEFAULT '',
				variables JSONB,
				lock_version BIGINT NOT NULL DEFAULT 1,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_executions_process_instance ON executions(process_instance_id);
			CREATE INDEX idx_executions_parent ON executions(parent_id);
			CREATE INDEX idx_executions_super_execution ON executions(super_execution_id) WHERE super_execution_id <> '';
			CREATE INDEX idx_executions_active_activity ON executions(process_instance_id, current_element_id) WHERE active;

			-- Create event_subscriptions table
			CREATE TABLE event_subscriptions (
				id VARCHAR(36) PRIMARY KEY,
				type VARCHAR(32) NOT NULL,
				event_name VARCHAR(255) NOT NULL DEFAULT '',
				activity_id VARCHAR(255) NOT NULL DEFAULT '',
				execution_id VARCHAR(36) NOT NULL DEFAULT '',
				process_instance_id VARCHAR(36) NOT NULL DEFAULT '',
				configuration TEXT NOT NULL DEFAULT '',
				process_definition_id VARCHAR(36) NOT NULL DEFAULT '',
				tenant_id VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				lock_version BIGINT NOT NULL DEFAULT 1
			);

			CREATE INDEX idx_event_subscriptions_execution ON event_subscriptions(execution_id);
			CREATE INDEX idx_event_subscriptions_name_type ON event_subscriptions(event_name, type, tenant_id);
			CREATE INDEX idx_event_subscriptions_instance ON event_subscriptions(process_instance_id, event_name, type);
			CREATE INDEX idx_event_subscriptions_definition ON event_subscriptions(process_definition_id, type);

			-- Create jobs table
			CREATE TABLE jobs (
				id VARCHAR(36) PRIMARY KEY,
				type VARCHAR(255) NOT NULL,
				payload JSONB,
				process_instance_id VARCHAR(36) NOT NULL DEFAULT '',
				execution_id VARCHAR(36) NOT NULL DEFAULT '',
				tenant_id VARCHAR(255) NOT NULL DEFAULT '',
				due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				recurrence VARCHAR(255) NOT NULL DEFAULT '',
				retries INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				lock_owner VARCHAR(255) NOT NULL DEFAULT '',
				lock_expiry TIMESTAMP WITH TIME ZONE,
				state VARCHAR(16) NOT NULL DEFAULT 'pending',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				lock_version BIGINT NOT NULL DEFAULT 1
			);

			CREATE INDEX idx_jobs_due ON jobs(state, due_at);
			CREATE INDEX idx_jobs_lock_expiry ON jobs(lock_expiry) WHERE lock_owner <> '';
		`,
	}
}
