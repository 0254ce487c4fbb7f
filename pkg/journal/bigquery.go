package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// BigQueryConfig holds configuration for the BigQuery journal destination.
type BigQueryConfig struct {
	// ProjectID selects the GCP project. Empty disables the BigQuery writer.
	ProjectID       string `env:"PROJECT_ID"`
	DatasetID       string `env:"DATASET_ID" envDefault:"voicecache"`
	TableID         string `env:"TABLE_ID" envDefault:"cache_operations"`
	CredentialsFile string `env:"CREDENTIALS_FILE"`
}

// NewBigQueryClient creates a BigQuery client suitable for production
// environments.
func NewBigQueryClient(ctx context.Context, cfg *BigQueryConfig, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		logger.Error().Err(err).Str("project_id", cfg.ProjectID).Msg("Failed to create BigQuery client.")
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", cfg.ProjectID).Msg("BigQuery client created successfully.")
	return client, nil
}

// BigQueryWriter implements the Writer interface for Google BigQuery,
// streaming operation records into a specified table.
type BigQueryWriter[T any] struct {
	client   *bigquery.Client
	table    *bigquery.Table
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryWriter creates a new writer for a specified BigQuery table.
//
// The provided context is used for initial API calls to verify and
// potentially create the target table. If the table specified in the config
// does not exist, this function will attempt to create it by inferring a
// schema from the record type T, which removes the need for manual table
// creation.
func NewBigQueryWriter[T any](
	ctx context.Context,
	client *bigquery.Client,
	cfg *BigQueryConfig,
	logger zerolog.Logger,
) (*BigQueryWriter[T], error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQueryConfig cannot be nil")
	}

	projectID := client.Project()
	logger = logger.With().Str("project_id", projectID).Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	_, err := tableRef.Metadata(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "notFound") {
			logger.Warn().Msg("BigQuery table not found. Attempting to create with inferred schema.")
			var zero T
			inferredSchema, inferErr := bigquery.InferSchema(zero)
			if inferErr != nil {
				return nil, fmt.Errorf("failed to infer schema for type %T: %w", zero, inferErr)
			}
			tableMetadata := &bigquery.TableMetadata{Schema: inferredSchema}
			if createErr := tableRef.Create(ctx, tableMetadata); createErr != nil {
				return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
			}
			logger.Info().Msg("BigQuery table created successfully.")
		} else {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
	} else {
		logger.Info().Msg("Successfully connected to existing BigQuery table.")
	}

	return &BigQueryWriter[T]{
		client:   client,
		table:    tableRef,
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// WriteBatch streams a batch of records to the configured BigQuery table.
//
// Row-level insertion errors are logged individually, which matters when
// debugging schema drift. If any row fails, the method returns an error
// wrapping the `bigquery.PutMultiError`.
func (w *BigQueryWriter[T]) WriteBatch(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}

	err := w.inserter.Put(ctx, items)
	if err != nil {
		w.logger.Error().Err(err).Int("batch_size", len(items)).Msg("Failed to insert rows into BigQuery.")
		if multiErr, ok := err.(bigquery.PutMultiError); ok {
			for _, rowErr := range multiErr {
				w.logger.Error().
					Int("row_index", rowErr.RowIndex).
					Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}

	w.logger.Debug().Int("batch_size", len(items)).Msg("Successfully inserted batch into BigQuery.")
	return nil
}

// Close is a no-op for this implementation, as the underlying BigQuery
// client's lifecycle is managed externally by the service that created it.
func (w *BigQueryWriter[T]) Close() error {
	return nil
}
