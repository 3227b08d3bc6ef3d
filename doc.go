// Package domainctl runs a host controller of a managed domain.
//
// A domain is a set of hosts, each running managed servers that belong to
// server groups. One host is the master: it coordinates operations that
// change domain-wide configuration. Every operation runs as a two-phase
// transaction. Participants (host controllers, then managed servers) prepare
// the change and report a provisional result; once every participant
// reported, the coordinator decides and delivers commit or rollback to each
// of them.
//
// # Running
//
// A host controller needs a name and, for multi-host domains, a topology
// file listing every host and its management endpoint:
//
//	master: primary
//	hosts:
//	  - name: primary
//	    endpoint: http://10.0.0.1:9990
//	  - name: secondary
//	    endpoint: http://10.0.0.2:9990
//
// The domain model is YAML as well. Resources carry attributes and children
// keyed by element type:
//
//	children:
//	  profile:
//	    default: {}
//	  server-group:
//	    main:
//	      attributes: {profile: default}
//	  host:
//	    primary:
//	      children:
//	        server-config:
//	          s1:
//	            attributes: {group: main, auto-start: "true"}
//
// Start one process per host:
//
//	cfg := domainctl.Config{
//	    Host:         "primary",
//	    TopologyPath: "/etc/domainctl/topology.yaml",
//	    ModelPath:    "/etc/domainctl/domain.yaml",
//	    Store:        "disk:///var/lib/domainctl/content",
//	}
//	srv, stop, err := domainctl.StartServer(ctx, cfg, domainctl.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer stop(context.Background())
//
// # Management API
//
// Operators POST operations to /v1/operation on any host. Operations that
// only touch the local host run there; domain-wide operations must be sent
// to the master. Hosts talk to each other over /v1/participant/prepare,
// /v1/participant/commit and /v1/participant/rollback. Deployment content
// is uploaded to /v1/content and referenced by hash.
//
// # Content storage
//
// Store selects where deployment content lives:
//
//	mem://                                   in memory (default)
//	disk:///var/lib/domainctl/content        local filesystem
//	s3://minio:9000/bucket/prefix?insecure=1 S3-compatible object storage
//	aws://bucket/prefix?region=eu-north-1    Amazon S3
//	azure://account/container/prefix         Azure Blob Storage
//
// # Telemetry
//
// OTLPEndpoint enables trace export; MetricsListen exposes Prometheus
// metrics; PprofListen exposes the Go profiler.
package domainctl
