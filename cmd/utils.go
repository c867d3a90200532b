package cmd

import (
	"flag"
	"log"
	"strings"

	"github.com/joho/godotenv"

	"nlp-backend/internal/dataset"
	"nlp-backend/internal/storage"
	"nlp-backend/internal/tasks"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// StorageConfig selects the artifact store. Setting LOCAL_STORAGE_DIR picks
// the filesystem store, otherwise S3.
type StorageConfig struct {
	LocalStorageDir   string `env:"LOCAL_STORAGE_DIR"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3Region          string `env:"AWS_REGION"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
}

func NewObjectStore(cfg StorageConfig) (storage.ObjectStore, error) {
	if cfg.LocalStorageDir != "" {
		log.Printf("using local object store at %s", cfg.LocalStorageDir)
		return storage.NewLocalObjectStore(cfg.LocalStorageDir)
	}

	return storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
}

// PipelineConfig covers everything the training task bodies need. Both the
// daemon (for the in-process tasks) and the worker parse it.
type PipelineConfig struct {
	StorageConfig
	DatasetsBucket string `env:"DATASETS_BUCKET" envDefault:"datasets"`
	ModelsBucket   string `env:"MODELS_BUCKET" envDefault:"models"`

	GenerateCommand string `env:"GENERATE_DATASET_COMMAND"`
	PrepareCommand  string `env:"PREPARE_DATASET_COMMAND"`
	TrainCommand    string `env:"TRAIN_COMMAND"`
	EvaluateCommand string `env:"EVALUATE_COMMAND"`

	SchemaServerURL string `env:"SCHEMA_SERVER_URL"`

	NLServerURL        string `env:"NL_SERVER_URL"`
	NLServerAdminToken string `env:"NL_SERVER_ADMIN_TOKEN"`
}

func parseCommand(raw string) tasks.CommandSpec {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return tasks.CommandSpec{}
	}
	return tasks.CommandSpec{Command: fields[0], Args: fields[1:]}
}

func NewTaskRuntime(cfg PipelineConfig) (*tasks.Runtime, error) {
	store, err := NewObjectStore(cfg.StorageConfig)
	if err != nil {
		return nil, err
	}

	generator := &dataset.ExecGenerator{}
	if spec := parseCommand(cfg.GenerateCommand); spec.Command != "" {
		generator.Command = spec.Command
		generator.Args = spec.Args
	}

	checker := &dataset.CatalogTypeChecker{}
	if cfg.SchemaServerURL != "" {
		checker.Schemas = dataset.NewHTTPSchemaSource(cfg.SchemaServerURL)
	}

	var notifier *tasks.ReloadNotifier
	if cfg.NLServerURL != "" {
		notifier = tasks.NewReloadNotifier(cfg.NLServerURL, cfg.NLServerAdminToken)
	}

	return tasks.NewRuntime(store, cfg.DatasetsBucket, cfg.ModelsBucket, generator, checker, tasks.Commands{
		PrepareDataset: parseCommand(cfg.PrepareCommand),
		Train:          parseCommand(cfg.TrainCommand),
		Evaluate:       parseCommand(cfg.EvaluateCommand),
	}, notifier), nil
}
