package metrics

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	appconfig "hermesgw/config"
	"hermesgw/logger"
)

// putMetricDataAPI is the subset of the CloudWatch client used here.
type putMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type cloudWatchState struct {
	client    putMetricDataAPI
	namespace string
	region    string
}

var cwState atomic.Pointer[cloudWatchState]

// CloudWatch data is limited per PutMetricData call.
const maxDatumsPerRequest = 1000

// InitCloudWatch creates the CloudWatch client. Static credentials from the
// configuration take precedence over the default AWS credential chain. When
// the client cannot be created a warning is logged and publishing stays off.
func InitCloudWatch(ctx context.Context, cfg appconfig.CloudWatchConfig) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if !cfg.Enabled {
		log.Debug("CloudWatch publishing disabled")
		return
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := &cloudWatchState{
		client:    cloudwatch.NewFromConfig(awsCfg),
		namespace: cfg.Namespace,
		region:    awsCfg.Region,
	}
	cwState.Store(state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("initialized CloudWatch client")
}

// publishSnapshot sends every value of the snapshot as a datum. Names ending
// in _total are reported as counts; the rest without a unit.
func publishSnapshot(ctx context.Context, values map[string]float64, dims map[string]string) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	dimensions := make([]cwtypes.Dimension, 0, len(dims))
	for k, v := range dims {
		if v == "" {
			continue
		}
		dimensions = append(dimensions, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(v)})
	}

	data := make([]cwtypes.MetricDatum, 0, len(names))
	for _, name := range names {
		unit := cwtypes.StandardUnitNone
		if strings.HasSuffix(name, "_total") {
			unit = cwtypes.StandardUnitCount
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Dimensions: dimensions,
			Unit:       unit,
			Value:      aws.Float64(values[name]),
		})
	}

	for start := 0; start < len(data); start += maxDatumsPerRequest {
		end := start + maxDatumsPerRequest
		if end > len(data) {
			end = len(data)
		}
		publishMetrics(ctx, state, data[start:end])
	}
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	log := logger.GetLogger().WithComponent("cloudwatch")
	if len(data) == 0 {
		log.Debug("no metric data to publish")
		return
	}

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	log.WithField("metrics", len(data)).Debug("published metrics to CloudWatch")
}
