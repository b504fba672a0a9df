// Package storage archives run artifacts to S3-compatible object
// storage. Archives are cold copies of checkpoints and handoffs; the
// database stays the source of truth for live runs.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stagebridge/backend/internal/util"
	"github.com/stagebridge/backend/pkg/common"
)

func NewS3Client(ctx context.Context) *s3.Client {
	region := util.GetEnv("AWS_REGION")
	endpoint := util.GetEnv("AWS_ENDPOINT")
	accessKey := util.GetEnv("AWS_ACCESS_KEY")
	secretKey := util.GetEnv("AWS_SECRET_KEY")
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			secretKey,
			"",
		)),
	)
	if err != nil {
		return nil
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return client
}

func checkpointKey(runID string, takenAt time.Time) string {
	return fmt.Sprintf("runs/%s/checkpoints/%s.json", runID, takenAt.UTC().Format("20060102T150405Z"))
}

func handoffKey(runID, stage string) string {
	return fmt.Sprintf("runs/%s/handoffs/%s.json", runID, stage)
}

// ArchiveCheckpoint writes a run graph snapshot as a timestamped JSON
// object.
func ArchiveCheckpoint(ctx context.Context, client *s3.Client, run common.RunGraph, takenAt time.Time) (string, error) {
	bucket := util.GetEnv("AWS_BUCKET")

	payload, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	key := checkpointKey(run.RunID, takenAt)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive checkpoint: %w", err)
	}
	return key, nil
}

// ArchiveHandoff writes the compressed stage handoff, overwriting the
// previous artifact for the same stage.
func ArchiveHandoff(ctx context.Context, client *s3.Client, runID, stage string, handoff common.CompressedHandoff) (string, error) {
	bucket := util.GetEnv("AWS_BUCKET")

	payload, err := json.Marshal(handoff)
	if err != nil {
		return "", fmt.Errorf("failed to serialize handoff: %w", err)
	}

	key := handoffKey(runID, stage)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive handoff: %w", err)
	}
	return key, nil
}

// LoadCheckpoint reads one archived checkpoint back.
func LoadCheckpoint(ctx context.Context, client *s3.Client, key string) (common.RunGraph, error) {
	bucket := util.GetEnv("AWS_BUCKET")

	var run common.RunGraph
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return run, fmt.Errorf("failed to get checkpoint from S3: %w", err)
	}
	defer result.Body.Close()

	payload, err := io.ReadAll(result.Body)
	if err != nil {
		return run, fmt.Errorf("failed to read checkpoint contents: %w", err)
	}
	if err := json.Unmarshal(payload, &run); err != nil {
		return run, fmt.Errorf("corrupt checkpoint %s: %w", key, err)
	}
	return run, nil
}

// LatestCheckpointKey returns the newest archived checkpoint for a run,
// or "" when none exist. Keys embed the snapshot timestamp so the
// lexicographically last key is the newest.
func LatestCheckpointKey(ctx context.Context, client *s3.Client, runID string) (string, error) {
	keys, err := listKeys(ctx, client, fmt.Sprintf("runs/%s/checkpoints/", runID))
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", nil
	}
	sort.Strings(keys)
	return keys[len(keys)-1], nil
}

// DeleteRunArtifacts removes every archived object for a run.
func DeleteRunArtifacts(ctx context.Context, client *s3.Client, runID string) error {
	bucket := util.GetEnv("AWS_BUCKET")
	prefix := fmt.Sprintf("runs/%s/", runID)

	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}

	for {
		listOutput, err := client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return fmt.Errorf("failed to list artifacts for run %s: %w", runID, err)
		}

		if len(listOutput.Contents) == 0 {
			break
		}

		var objectsToDelete []types.ObjectIdentifier
		for _, obj := range listOutput.Contents {
			objectsToDelete = append(objectsToDelete, types.ObjectIdentifier{
				Key: obj.Key,
			})
		}

		_, err = client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{
				Objects: objectsToDelete,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete artifacts for run %s: %w", runID, err)
		}

		if listOutput.IsTruncated != nil && *listOutput.IsTruncated {
			listInput.ContinuationToken = listOutput.NextContinuationToken
		} else {
			break
		}
	}

	return nil
}

func listKeys(ctx context.Context, client *s3.Client, prefix string) ([]string, error) {
	bucket := util.GetEnv("AWS_BUCKET")

	var keys []string
	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}

	for {
		listOutput, err := client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err)
		}

		for _, obj := range listOutput.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}

		if listOutput.IsTruncated != nil && *listOutput.IsTruncated {
			listInput.ContinuationToken = listOutput.NextContinuationToken
		} else {
			break
		}
	}

	return keys, nil
}
