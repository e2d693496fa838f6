package store

// Applied with IF NOT EXISTS on every connect; there is no migration
// history to manage for two tables.
const schema = `
CREATE TABLE IF NOT EXISTS transcriptions (
    id                 BIGSERIAL PRIMARY KEY,
    last_name          TEXT NOT NULL,
    first_name         TEXT NOT NULL,
    middle_name        TEXT,
    call_date          DATE NOT NULL,
    phone_number       TEXT NOT NULL,
    transcription_text TEXT NOT NULL,
    file_name          TEXT NOT NULL UNIQUE,
    emitted            BOOLEAN NOT NULL DEFAULT FALSE,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transcription_analysis (
    id               BIGSERIAL PRIMARY KEY,
    transcription_id BIGINT NOT NULL UNIQUE REFERENCES transcriptions(id),
    analysis_result  JSONB NOT NULL,
    analysis_date    TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    model_used       TEXT NOT NULL
);
`
