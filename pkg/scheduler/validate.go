package scheduler

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/types"
)

// ComputeResources resolves a staged run bundle's resource request against
// configured defaults, global limits, and the owner's remaining quotas. The
// returned messages list every violation; a non-empty list means the bundle
// must fail with the joined message.
func ComputeResources(bundle *types.Bundle, diskQuotaLeft, timeQuotaLeft int64,
	cfg config.WorkersSection) (*types.RunResources, []string) {

	var failures []string

	cpus := int(metaInt(bundle, types.MetaRequestCPUs, 1))
	if cpus < 0 {
		failures = append(failures, fmt.Sprintf("Requested negative CPUs (%d)", cpus))
	}
	gpus := int(metaInt(bundle, types.MetaRequestGPUs, 0))
	if gpus < 0 {
		failures = append(failures, fmt.Sprintf("Requested negative GPUs (%d)", gpus))
	}

	memory := metaSize(bundle, types.MetaRequestMemory, 2<<30)
	if min := int64(cfg.MinRequestMemory); memory < min {
		failures = append(failures, fmt.Sprintf(
			"Requested less memory (%s) than minimum (%s)",
			humanize.IBytes(uint64(memory)), humanize.IBytes(uint64(min))))
	}
	if max := int64(cfg.MaxRequestMemory); max > 0 && memory > max {
		failures = append(failures, fmt.Sprintf(
			"Requested more memory (%s) than maximum (%s)",
			humanize.IBytes(uint64(memory)), humanize.IBytes(uint64(max))))
	}

	diskCeiling := diskQuotaLeft - types.DiskQuotaSlack
	if max := int64(cfg.MaxRequestDisk); max > 0 && max < diskCeiling {
		diskCeiling = max
	}
	disk := metaSize(bundle, types.MetaRequestDisk, diskCeiling)
	if disk > diskQuotaLeft-types.DiskQuotaSlack {
		failures = append(failures, fmt.Sprintf(
			"Requested more disk (%s) than user disk quota left (%s) minus slack",
			humanize.IBytes(uint64(disk)), humanize.IBytes(uint64(diskQuotaLeft))))
	}
	if max := int64(cfg.MaxRequestDisk); max > 0 && disk > max {
		failures = append(failures, fmt.Sprintf(
			"Requested more disk (%s) than maximum (%s)",
			humanize.IBytes(uint64(disk)), humanize.IBytes(uint64(max))))
	}

	timeCeiling := timeQuotaLeft
	if max := int64(cfg.MaxRequestTime.Std().Seconds()); max > 0 && max < timeCeiling {
		timeCeiling = max
	}
	reqTime := metaInt(bundle, types.MetaRequestTime, timeCeiling)
	if reqTime > timeQuotaLeft {
		failures = append(failures, fmt.Sprintf(
			"Requested more time (%ds) than user time quota left (%ds)",
			reqTime, timeQuotaLeft))
	}
	if max := int64(cfg.MaxRequestTime.Std().Seconds()); max > 0 && reqTime > max {
		failures = append(failures, fmt.Sprintf(
			"Requested more time (%ds) than maximum (%ds)", reqTime, max))
	}

	image := bundle.MetaString(types.MetaRequestDockerImage)
	if image == "" {
		if gpus > 0 {
			image = cfg.DefaultGPUImage
		} else {
			image = cfg.DefaultCPUImage
		}
	}

	if len(failures) > 0 {
		return nil, failures
	}
	return &types.RunResources{
		CPUs:        cpus,
		GPUs:        gpus,
		Memory:      memory,
		Disk:        disk,
		Time:        reqTime,
		DockerImage: normalizeImage(image),
		Network:     bundle.MetaBool(types.MetaRequestNetwork),
		Tag:         bundle.MetaString(types.MetaRequestQueue),
	}, nil
}

func metaInt(b *types.Bundle, key string, def int64) int64 {
	if v, ok := b.MetaInt(key); ok {
		return v
	}
	return def
}

// metaSize reads a byte count that may be stored either as a number or as a
// formatted string like "2g".
func metaSize(b *types.Bundle, key string, def int64) int64 {
	if v, ok := b.MetaInt(key); ok {
		return v
	}
	if s := b.MetaString(key); s != "" {
		if v, err := humanize.ParseBytes(s); err == nil {
			return int64(v)
		}
	}
	return def
}

func normalizeImage(spec string) string {
	for _, c := range spec {
		if c == ':' {
			return spec
		}
	}
	return spec + ":latest"
}
