package database

// schema holds every table. Timestamps are unix milliseconds (UTC).
const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    category        TEXT NOT NULL DEFAULT 'assistant',
    status          TEXT NOT NULL DEFAULT 'draft',
    system_prompt   TEXT NOT NULL DEFAULT '',
    provider        TEXT NOT NULL DEFAULT '',
    model           TEXT NOT NULL DEFAULT '',
    wallet_address  TEXT,
    wallet_index    INTEGER,
    spending_limit  REAL NOT NULL DEFAULT 0,
    spending_used   REAL NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_wallet_index ON agents(wallet_index) WHERE wallet_index IS NOT NULL;

CREATE TABLE IF NOT EXISTS agent_tokens (
    agent_id    TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    address     TEXT NOT NULL,
    position    INTEGER NOT NULL,
    created_at  INTEGER NOT NULL,
    PRIMARY KEY (agent_id, address)
);

CREATE TABLE IF NOT EXISTS channel_bindings (
    id               TEXT PRIMARY KEY,
    agent_id         TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    channel_type     TEXT NOT NULL,
    sender_id        TEXT NOT NULL,
    sender_name      TEXT NOT NULL DEFAULT '',
    chat_id          TEXT NOT NULL DEFAULT '',
    kind             TEXT NOT NULL,
    active           INTEGER NOT NULL DEFAULT 1,
    last_message_at  INTEGER NOT NULL,
    pairing_code     TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_bindings_one_active
    ON channel_bindings(channel_type, sender_id) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_bindings_sender_agent
    ON channel_bindings(channel_type, sender_id, agent_id);

CREATE TABLE IF NOT EXISTS session_messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    binding_id  TEXT NOT NULL REFERENCES channel_bindings(id) ON DELETE CASCADE,
    role        TEXT NOT NULL,
    content     TEXT NOT NULL,
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_messages_binding ON session_messages(binding_id, id);

CREATE TABLE IF NOT EXISTS pairing_codes (
    code        TEXT PRIMARY KEY,
    agent_id    TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    created_at  INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL,
    uses        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pairing_codes_expires ON pairing_codes(expires_at);

CREATE TABLE IF NOT EXISTS cron_jobs (
    id           TEXT PRIMARY KEY,
    agent_id     TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    label        TEXT NOT NULL DEFAULT '',
    schedule     TEXT NOT NULL,
    instruction  TEXT NOT NULL,
    enabled      INTEGER NOT NULL DEFAULT 1,
    last_run     INTEGER,
    last_result  TEXT NOT NULL DEFAULT '',
    position     INTEGER NOT NULL,
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cron_jobs_agent ON cron_jobs(agent_id, position);

CREATE TABLE IF NOT EXISTS transactions (
    id                TEXT PRIMARY KEY,
    agent_id          TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    hash              TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    amount            TEXT NOT NULL,
    currency          TEXT NOT NULL,
    recipient         TEXT NOT NULL,
    accounting_value  REAL NOT NULL DEFAULT 0,
    error             TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_agent ON transactions(agent_id, created_at);

CREATE TABLE IF NOT EXISTS activity_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id    TEXT NOT NULL,
    kind        TEXT NOT NULL,
    message     TEXT NOT NULL,
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_log_agent ON activity_log(agent_id, created_at);
`
