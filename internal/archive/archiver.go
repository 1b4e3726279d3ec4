package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/openclaw/octofleet/internal/bus"
	"github.com/openclaw/octofleet/internal/config"
	"github.com/openclaw/octofleet/internal/core"
)

// Archiver writes completed-deployment reports to S3-compatible object
// storage. It subscribes to the deployment topic and snapshots the full
// per-node outcome when a deployment completes. Config-gated: without a
// bucket it is never constructed.
type Archiver struct {
	client      *s3.Client
	bucket      string
	deployments *core.DeploymentService
	bus         *bus.Bus
	logger      zerolog.Logger
}

// Enabled reports whether archival is configured.
func Enabled(cfg *config.Config) bool {
	return cfg.ArchiveBucket != ""
}

func New(cfg *config.Config, deployments *core.DeploymentService, b *bus.Bus, logger zerolog.Logger) *Archiver {
	opts := s3.Options{
		Region:       cfg.ArchiveRegion,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.ArchiveEndpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.ArchiveEndpoint)
	}
	return &Archiver{
		client:      s3.New(opts),
		bucket:      cfg.ArchiveBucket,
		deployments: deployments,
		bus:         b,
		logger:      logger.With().Str("component", "report-archiver").Logger(),
	}
}

// Run consumes deployment events until the context ends.
func (a *Archiver) Run(ctx context.Context) error {
	sub := a.bus.Subscribe(bus.TopicDeployments)
	defer a.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			if evt.Type != "deployment_completed" {
				continue
			}
			payload, ok := evt.Payload.(map[string]string)
			if !ok {
				continue
			}
			if err := a.ArchiveDeployment(ctx, payload["deployment_id"]); err != nil {
				a.logger.Error().Err(err).Str("deployment_id", payload["deployment_id"]).Msg("archive failed")
			}
		}
	}
}

// ArchiveDeployment uploads the final report for one deployment.
func (a *Archiver) ArchiveDeployment(ctx context.Context, deploymentID string) error {
	d, err := a.deployments.GetByID(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("load deployment report %s: %w", deploymentID, err)
	}

	body, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode deployment report %s: %w", deploymentID, err)
	}

	key := reportKey("deployments", deploymentID, time.Now())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload deployment report %s: %w", deploymentID, err)
	}

	a.logger.Info().Str("deployment_id", deploymentID).Str("key", key).Msg("deployment report archived")
	return nil
}

// reportKey lays out keys by date so bucket listings stay navigable.
func reportKey(category, id string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", category, at.UTC().Format("2006/01/02"), id)
}
