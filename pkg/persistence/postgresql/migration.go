package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Provider connections
			CREATE TABLE oauth_credentials (
				id UUID PRIMARY KEY,
				user_id VARCHAR(255) NOT NULL,
				workspace_id VARCHAR(255) NOT NULL,
				provider VARCHAR(50) NOT NULL,
				provider_email VARCHAR(255),
				access_token TEXT NOT NULL,
				refresh_token TEXT,
				expires_at TIMESTAMP WITH TIME ZONE,
				is_active BOOLEAN NOT NULL DEFAULT true,
				provider_plan VARCHAR(20) NOT NULL DEFAULT 'FREE',
				polling_enabled BOOLEAN NOT NULL DEFAULT false,
				polling_cursor TEXT,
				polling_last_run_at TIMESTAMP WITH TIME ZONE,
				webhook_enabled BOOLEAN NOT NULL DEFAULT false,
				webhook_url TEXT,
				webhook_signing_key TEXT,
				webhook_failed_attempts INT NOT NULL DEFAULT 0,
				webhook_last_verified_at TIMESTAMP WITH TIME ZONE,
				api_rate_limit_remaining INT,
				api_rate_limit_reset_at TIMESTAMP WITH TIME ZONE,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (user_id, provider)
			);

			CREATE INDEX idx_oauth_credentials_polling ON oauth_credentials(provider, provider_plan)
				WHERE is_active AND polling_enabled;

			-- Workflow graphs
			CREATE TABLE workflows (
				id UUID PRIMARY KEY,
				workspace_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'archived')),
				configuration JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_workspace ON workflows(workspace_id, created_at DESC);

			CREATE TABLE workflow_nodes (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				flow_node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(50) NOT NULL,
				category VARCHAR(50) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				execution_order INT NOT NULL,
				config JSONB DEFAULT '{}',
				non_blocking BOOLEAN NOT NULL DEFAULT false,
				UNIQUE (workflow_id, flow_node_id)
			);

			CREATE INDEX idx_workflow_nodes_order ON workflow_nodes(workflow_id, execution_order);

			CREATE TABLE workflow_edges (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				source_node_id VARCHAR(255) NOT NULL,
				target_node_id VARCHAR(255) NOT NULL,
				source_handle VARCHAR(50),
				enabled BOOLEAN NOT NULL DEFAULT true
			);

			CREATE INDEX idx_workflow_edges_source ON workflow_edges(workflow_id, source_node_id);
		`,
		2: `
			-- Leads and executions
			CREATE TABLE leads (
				id UUID PRIMARY KEY,
				workspace_id VARCHAR(255) NOT NULL,
				workflow_id UUID REFERENCES workflows(id) ON DELETE SET NULL,
				email VARCHAR(320) NOT NULL,
				name VARCHAR(255),
				company_name VARCHAR(255),
				status VARCHAR(30) NOT NULL,
				source VARCHAR(30) NOT NULL,
				field_data JSONB,
				last_email_sent_at TIMESTAMP WITH TIME ZONE,
				last_email_opened_at TIMESTAMP WITH TIME ZONE,
				last_activity_at TIMESTAMP WITH TIME ZONE,
				meeting_event_id TEXT,
				meeting_status VARCHAR(30),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_leads_email ON leads(workspace_id, LOWER(email), created_at DESC);

			CREATE TABLE workflow_executions (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				workspace_id VARCHAR(255) NOT NULL,
				lead_id UUID NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
				status VARCHAR(20) NOT NULL CHECK (status IN ('queued', 'running', 'completed', 'failed', 'paused')),
				trigger_type VARCHAR(50) NOT NULL,
				trigger_data JSONB,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT,
				error_details JSONB,
				output_data JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);
			CREATE INDEX idx_workflow_executions_lead ON workflow_executions(lead_id);

			CREATE TABLE execution_steps (
				id UUID PRIMARY KEY,
				execution_id UUID NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
				step_number INT NOT NULL,
				workflow_node_id UUID NOT NULL,
				status VARCHAR(20) NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				error_message TEXT,
				error_details JSONB,
				output_data JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (execution_id, step_number)
			);
		`,
		3: `
			-- Bookings and webhook reliability
			CREATE TABLE bookings (
				id UUID PRIMARY KEY,
				workspace_id VARCHAR(255) NOT NULL,
				lead_id UUID NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
				credential_id UUID REFERENCES oauth_credentials(id) ON DELETE SET NULL,
				provider VARCHAR(50) NOT NULL,
				provider_event_id TEXT NOT NULL,
				event_name TEXT,
				start_time TIMESTAMP WITH TIME ZONE,
				end_time TIMESTAMP WITH TIME ZONE,
				invitee_email VARCHAR(320) NOT NULL,
				invitee_name VARCHAR(255),
				status VARCHAR(20) NOT NULL,
				attribution_method VARCHAR(20),
				utm_content TEXT,
				cancellation_reason TEXT,
				received_via VARCHAR(20) NOT NULL,
				raw_payload JSONB,
				synced_at TIMESTAMP WITH TIME ZONE NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (provider, provider_event_id)
			);

			CREATE INDEX idx_bookings_lead ON bookings(lead_id);

			CREATE TABLE webhook_idempotency_keys (
				key TEXT PRIMARY KEY,
				processed_at TIMESTAMP WITH TIME ZONE NOT NULL,
				metadata JSONB
			);

			CREATE INDEX idx_webhook_idempotency_processed ON webhook_idempotency_keys(processed_at);

			CREATE TABLE webhook_dead_letters (
				id UUID PRIMARY KEY,
				provider VARCHAR(50) NOT NULL,
				credential_id UUID,
				event_id TEXT NOT NULL,
				event_type VARCHAR(100) NOT NULL,
				error_message TEXT NOT NULL,
				error_stack TEXT,
				payload JSONB NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('PENDING', 'RESOLVED', 'ABANDONED')),
				retry_count INT NOT NULL DEFAULT 0,
				failed_at TIMESTAMP WITH TIME ZONE NOT NULL,
				resolved_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_webhook_dead_letters_pending ON webhook_dead_letters(status, failed_at);

			CREATE TABLE polling_runs (
				id UUID PRIMARY KEY,
				credential_id UUID NOT NULL REFERENCES oauth_credentials(id) ON DELETE CASCADE,
				status VARCHAR(20) NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				events_fetched INT NOT NULL DEFAULT 0,
				events_created INT NOT NULL DEFAULT 0,
				events_updated INT NOT NULL DEFAULT 0,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				error_message TEXT
			);

			CREATE INDEX idx_polling_runs_credential ON polling_runs(credential_id, started_at DESC);
		`,
	}
}
