// Command request-train enqueues a training request on the job queue, the
// same way the device catalog does when devices change.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"nlp-backend/cmd"
	"nlp-backend/internal/messaging"
)

type RequestConfig struct {
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`
}

func main() {
	var (
		jobType  = flag.String("job-type", "train", "job type: update-dataset, train, or update-dataset,train")
		language = flag.String("language", "", "language to train for")
		modelTag = flag.String("model-tag", "", "limit training to one model tag")
		devices  = flag.String("devices", "", "comma separated devices whose dataset changed")
		config   = flag.String("config", "", "JSON config override for the job")
	)
	cmd.LoadEnvFile()

	if *language == "" {
		log.Fatalf("missing --language")
	}
	if *config != "" && !json.Valid([]byte(*config)) {
		log.Fatalf("--config is not valid JSON")
	}

	var cfg RequestConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	payload := messaging.JobRequestPayload{
		JobType:  *jobType,
		Language: *language,
		ModelTag: *modelTag,
		Config:   json.RawMessage(*config),
	}
	if *devices != "" {
		payload.Devices = strings.Split(*devices, ",")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := publisher.PublishJobRequest(ctx, payload); err != nil {
		log.Fatalf("Failed to publish job request: %v", err)
	}
	log.Printf("queued %s job for language %s", *jobType, *language)
}
