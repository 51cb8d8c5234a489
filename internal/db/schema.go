package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- KNOWLEDGE BASE TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS knowledge_base SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON knowledge_base TYPE string;
    DEFINE FIELD IF NOT EXISTS owner_scope ON knowledge_base TYPE string;
    DEFINE FIELD IF NOT EXISTS sources ON knowledge_base TYPE array<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created_at ON knowledge_base TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS kb_owner ON knowledge_base FIELDS owner_scope;

    -- ==========================================================================
    -- BOT TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS bot SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON bot TYPE string;
    DEFINE FIELD IF NOT EXISTS owner_scope ON bot TYPE string;
    DEFINE FIELD IF NOT EXISTS model ON bot TYPE string;
    DEFINE FIELD IF NOT EXISTS greeting ON bot TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS temperature ON bot TYPE option<float>;
    DEFINE FIELD IF NOT EXISTS knowledge_id ON bot TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS deployment ON bot TYPE object FLEXIBLE DEFAULT {};
    DEFINE FIELD IF NOT EXISTS created_at ON bot TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS bot_owner ON bot FIELDS owner_scope;

    -- ==========================================================================
    -- WORKFLOW TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS workflow SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON workflow TYPE string;
    DEFINE FIELD IF NOT EXISTS owner_scope ON workflow TYPE string;
    DEFINE FIELD IF NOT EXISTS definition ON workflow TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS revision ON workflow TYPE int DEFAULT 1;
    DEFINE FIELD IF NOT EXISTS created_at ON workflow TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS workflow_owner ON workflow FIELDS owner_scope;

    -- ==========================================================================
    -- CHUNK TABLE (indexed knowledge content)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS chunk SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS knowledge ON chunk TYPE record<knowledge_base>;
    DEFINE FIELD IF NOT EXISTS source ON chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS position ON chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS content ON chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON chunk TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS created_at ON chunk TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS chunk_knowledge ON chunk FIELDS knowledge;
    DEFINE INDEX IF NOT EXISTS chunk_embedding ON chunk FIELDS embedding HNSW DIMENSION 384 DIST COSINE TYPE F32;
    DEFINE ANALYZER IF NOT EXISTS chunk_analyzer TOKENIZERS class FILTERS lowercase, ascii, snowball(english);
    DEFINE INDEX IF NOT EXISTS chunk_content_ft ON chunk FIELDS content FULLTEXT ANALYZER chunk_analyzer BM25;

    -- ==========================================================================
    -- PIPELINE RUN TABLE (durable ingestion job state)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS pipeline_run SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS entity_id ON pipeline_run TYPE string;
    DEFINE FIELD IF NOT EXISTS entity_type ON pipeline_run TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON pipeline_run TYPE string;
    DEFINE FIELD IF NOT EXISTS current_stage ON pipeline_run TYPE string;
    DEFINE FIELD IF NOT EXISTS progress_percentage ON pipeline_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS stats ON pipeline_run TYPE object FLEXIBLE DEFAULT {};
    DEFINE FIELD IF NOT EXISTS logs ON pipeline_run TYPE array<object> FLEXIBLE DEFAULT [];
    DEFINE FIELD IF NOT EXISTS cancel_requested ON pipeline_run TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS started_at ON pipeline_run TYPE datetime;
    DEFINE FIELD IF NOT EXISTS updated_at ON pipeline_run TYPE datetime;
    DEFINE FIELD IF NOT EXISTS estimated_completion ON pipeline_run TYPE option<datetime>;

    DEFINE INDEX IF NOT EXISTS run_entity ON pipeline_run FIELDS entity_id;
    DEFINE INDEX IF NOT EXISTS run_status ON pipeline_run FIELDS status;
`
