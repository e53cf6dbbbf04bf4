package provider

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/zlog"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jxskiss/mygw/pkg/api"
)

const DefaultPollInterval = 5 * time.Second

// NewFileProvider returns a provider reading YAML files under rootDir:
//
//	cluster_index.yaml    lists cluster names, each in clusters/<name>.yaml
//	service_index.yaml    lists service names, each in services/<name>.yaml
//	endpoints/<name>.yaml members of clusters with "provider" discovery
//
// Changes are detected by polling file modification times.
func NewFileProvider(rootDir string, pollInterval time.Duration) Provider {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &fileProvider{
		rootDir:  rootDir,
		interval: pollInterval,
		log:      zlog.Named("fileProvider").Sugar(),
	}
}

type fileProvider struct {
	rootDir  string
	interval time.Duration
	log      *zap.SugaredLogger
}

type clusterIndex struct {
	Clusters []string `yaml:"clusters"`
}

type serviceIndex struct {
	Services []string `yaml:"services"`
}

type endpointsFile struct {
	Endpoints []*api.Endpoint `yaml:"endpoints"`
}

func (p *fileProvider) ListClusters(ctx context.Context) ([]*api.Cluster, error) {
	index := &clusterIndex{}
	err := readYAML(filepath.Join(p.rootDir, "cluster_index.yaml"), index)
	if err != nil {
		return nil, err
	}
	result := make([]*api.Cluster, 0, len(index.Clusters))
	for _, name := range index.Clusters {
		cluster := &api.Cluster{}
		err = readYAML(filepath.Join(p.rootDir, "clusters", name+".yaml"), cluster)
		if err != nil {
			return nil, err
		}
		if cluster.Name == "" {
			cluster.Name = name
		}
		result = append(result, cluster)
	}
	return result, nil
}

func (p *fileProvider) ListServices(ctx context.Context) ([]*api.Service, error) {
	index := &serviceIndex{}
	err := readYAML(filepath.Join(p.rootDir, "service_index.yaml"), index)
	if err != nil {
		return nil, err
	}
	result := make([]*api.Service, 0, len(index.Services))
	for _, name := range index.Services {
		service := &api.Service{}
		err = readYAML(filepath.Join(p.rootDir, "services", name+".yaml"), service)
		if err != nil {
			return nil, err
		}
		if service.Name == "" {
			service.Name = name
		}
		result = append(result, service)
	}
	return result, nil
}

func (p *fileProvider) DiscoverEndpoints(ctx context.Context, cluster string) ([]*api.Endpoint, error) {
	file := filepath.Join(p.rootDir, "endpoints", cluster+".yaml")
	if _, err := os.Stat(file); os.IsNotExist(err) {
		p.log.Warnf("no endpoints file for cluster %s", cluster)
		return nil, nil
	}
	eps := &endpointsFile{}
	if err := readYAML(file, eps); err != nil {
		return nil, err
	}
	return eps.Endpoints, nil
}

func (p *fileProvider) WatchConfig(ctx context.Context) <-chan struct{} {
	return p.watch(ctx, "config",
		filepath.Join(p.rootDir, "cluster_index.yaml"),
		filepath.Join(p.rootDir, "service_index.yaml"),
		filepath.Join(p.rootDir, "clusters"),
		filepath.Join(p.rootDir, "services"))
}

func (p *fileProvider) WatchEndpoints(ctx context.Context) <-chan struct{} {
	return p.watch(ctx, "endpoints", filepath.Join(p.rootDir, "endpoints"))
}

func (p *fileProvider) watch(ctx context.Context, what string, paths ...string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	last := fingerprint(paths)
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				curr := fingerprint(paths)
				if curr != last {
					p.log.Infof("%s files changed", what)
					last = curr
					notify(ch)
				}
			}
		}
	}()
	return ch
}

// fingerprint hashes the path, size and mtime of the files under paths,
// in walk order.
func fingerprint(paths []string) uint64 {
	h := fnv.New64a()
	var buf [16]byte
	for _, root := range paths {
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			h.Write([]byte(path))
			h.Write([]byte{0})
			binary.LittleEndian.PutUint64(buf[:8], uint64(info.Size()))
			binary.LittleEndian.PutUint64(buf[8:], uint64(info.ModTime().UnixNano()))
			h.Write(buf[:])
			return nil
		})
	}
	return h.Sum64()
}

func readYAML(file string, out any) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return errors.AddStack(err)
	}
	err = yaml.Unmarshal(data, out)
	if err != nil {
		return errors.WithMessagef(err, "parse %s", file)
	}
	return nil
}
