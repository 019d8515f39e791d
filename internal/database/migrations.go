package database

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    user TEXT NOT NULL,
    password TEXT NOT NULL,
    auth_mode TEXT NOT NULL DEFAULT 'password',
    host TEXT NOT NULL DEFAULT '',
    port INTEGER NOT NULL DEFAULT 993,
    poll_interval INTEGER NOT NULL DEFAULT 9,
    synchronize BOOLEAN NOT NULL DEFAULT true,
    state TEXT NOT NULL DEFAULT '',
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS identities (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    email TEXT NOT NULL,
    host TEXT NOT NULL DEFAULT '',
    port INTEGER NOT NULL DEFAULT 587,
    encryption TEXT NOT NULL DEFAULT 'starttls',
    user TEXT NOT NULL,
    password TEXT NOT NULL,
    auth_mode TEXT NOT NULL DEFAULT 'password',
    reply_to TEXT,
    store_sent BOOLEAN NOT NULL DEFAULT true,
    synchronize BOOLEAN NOT NULL DEFAULT true,
    state TEXT NOT NULL DEFAULT '',
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    synchronize BOOLEAN NOT NULL DEFAULT false,
    retention_days INTEGER NOT NULL DEFAULT 7,
    state TEXT NOT NULL DEFAULT '',
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(account_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    folder_id INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
    uid INTEGER,
    msgid TEXT,
    thread TEXT,
    refs TEXT NOT NULL DEFAULT '',
    in_reply_to TEXT NOT NULL DEFAULT '',
    from_addr TEXT,
    to_addr TEXT,
    cc_addr TEXT,
    bcc_addr TEXT,
    reply_to TEXT,
    subject TEXT NOT NULL DEFAULT '',
    preview TEXT NOT NULL DEFAULT '',
    received DATETIME NOT NULL,
    sent DATETIME,
    seen BOOLEAN NOT NULL DEFAULT false,
    ui_seen BOOLEAN NOT NULL DEFAULT false,
    ui_hide BOOLEAN NOT NULL DEFAULT false,
    content BOOLEAN NOT NULL DEFAULT false,
    error TEXT,
    identity_id INTEGER REFERENCES identities(id) ON DELETE SET NULL,
    replying_id INTEGER REFERENCES messages(id) ON DELETE SET NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS attachments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'application/octet-stream',
    size INTEGER,
    progress INTEGER,
    available BOOLEAN NOT NULL DEFAULT false,
    UNIQUE(message_id, sequence)
);

CREATE TABLE IF NOT EXISTS operations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    folder_id INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
    message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    kind TEXT NOT NULL,
    args TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_folder_uid ON messages(folder_id, uid);
CREATE INDEX IF NOT EXISTS idx_messages_msgid ON messages(account_id, msgid);
CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(folder_id, received);
CREATE INDEX IF NOT EXISTS idx_folders_account ON folders(account_id);
CREATE INDEX IF NOT EXISTS idx_operations_folder ON operations(folder_id, id);
CREATE INDEX IF NOT EXISTS idx_identities_account ON identities(account_id);
`
