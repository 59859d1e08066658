package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- DATASET TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS dataset SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS key ON dataset TYPE string;
    DEFINE FIELD IF NOT EXISTS type ON dataset TYPE string;
    DEFINE FIELD IF NOT EXISTS parent_key ON dataset TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS state ON dataset TYPE string DEFAULT "queued";
    DEFINE FIELD IF NOT EXISTS status_text ON dataset TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS progress ON dataset TYPE float DEFAULT 0.0;
    DEFINE FIELD IF NOT EXISTS num_rows ON dataset TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS parameters ON dataset TYPE object FLEXIBLE DEFAULT {};
    DEFINE FIELD IF NOT EXISTS annotation_fields ON dataset TYPE object FLEXIBLE DEFAULT {};
    DEFINE FIELD IF NOT EXISTS result_file ON dataset TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS owner ON dataset TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS owners ON dataset TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS private ON dataset TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS software_version ON dataset TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS software_commit ON dataset TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created ON dataset TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated ON dataset TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS dataset_parent ON dataset FIELDS parent_key;
    DEFINE INDEX IF NOT EXISTS dataset_state ON dataset FIELDS state;

    -- ==========================================================================
    -- JOB TABLE (at-least-once work queue)
    -- ==========================================================================
    -- Record id is the job_id, so one (job_type, dataset_key) pair maps to one record
    DEFINE TABLE IF NOT EXISTS job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS job_id ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS job_type ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS dataset_key ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS attempts ON job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS release_after ON job TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS claimed_by ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS claimed_at ON job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS interrupt ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created ON job TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS job_dataset ON job FIELDS dataset_key;
    DEFINE INDEX IF NOT EXISTS job_claimable ON job FIELDS job_type, release_after;

    -- ==========================================================================
    -- ANNOTATION TABLE
    -- ==========================================================================
    -- Record id is the annotation_id derived from (dataset, item_id, field_id)
    DEFINE TABLE IF NOT EXISTS annotation SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS annotation_id ON annotation TYPE string;
    DEFINE FIELD IF NOT EXISTS dataset ON annotation TYPE string;
    DEFINE FIELD IF NOT EXISTS field_id ON annotation TYPE string;
    DEFINE FIELD IF NOT EXISTS item_id ON annotation TYPE string;
    DEFINE FIELD IF NOT EXISTS label ON annotation TYPE string;
    DEFINE FIELD IF NOT EXISTS type ON annotation TYPE string;
    DEFINE FIELD IF NOT EXISTS value ON annotation TYPE string;
    DEFINE FIELD IF NOT EXISTS author ON annotation TYPE string;
    DEFINE FIELD IF NOT EXISTS from_dataset ON annotation TYPE string;
    DEFINE FIELD IF NOT EXISTS metadata ON annotation TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS timestamp ON annotation TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS annotation_dataset ON annotation FIELDS dataset;
    DEFINE INDEX IF NOT EXISTS annotation_field ON annotation FIELDS field_id;
`
