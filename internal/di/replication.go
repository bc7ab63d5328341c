package di

import (
	"context"

	"github.com/alpacahq/replica/replication"
	"github.com/alpacahq/replica/replication/channel"
	"github.com/alpacahq/replica/stream/streamfile"
	"github.com/alpacahq/replica/utils/log"
)

func (c *Container) GetChannelFactory() replication.ChannelFactory {
	rc := c.cfg.Replication
	var opts []channel.ClientOption
	// Enable TLS for the master connections if configured
	if rc.TLSEnabled {
		opts = append(opts, channel.WithTLS(rc.CertFile))
		log.Debug("transport security is enabled on gRPC client for replication")
	}
	return func(identity string) channel.Channel {
		return channel.NewGRPCChannel(identity, opts...)
	}
}

func (c *Container) GetSession() *replication.Session {
	if c.session != nil {
		return c.session
	}
	rc := c.cfg.Replication
	ackMode, err := replication.ParseAckMode(rc.AckMode)
	if err != nil {
		panic(err)
	}
	fsync, err := streamfile.ParseFsyncMode(rc.Fsync)
	if err != nil {
		panic(err)
	}

	c.session = replication.NewSession(replication.Options{
		Dir:             c.GetStreamDir(),
		BufferSize:      rc.BufferSize,
		MaxEntrySize:    rc.MaxEntrySize,
		AckMode:         ackMode,
		ControlInterval: rc.ControlInterval,
		Fsync:           fsync,
		FsyncInterval:   rc.FsyncInterval,
		SegmentSize:     rc.SegmentSize,
		Applier:         c.GetApplier(),
		Positions:       c.GetRecoveryStore(),
		NewChannel:      c.GetChannelFactory(),
	})
	return c.session
}

// GetReplicationClientWithRetry connects the session to the master, retrying
// while the master is unreachable.
func (c *Container) GetReplicationClientWithRetry() *replication.Retryer {
	if c.replicationClient != nil {
		return c.replicationClient
	}
	rc := c.cfg.Replication
	session := c.GetSession()
	connect := func(ctx context.Context) error {
		return session.ConnectToMaster(ctx, rc.MasterHost, rc.MasterPort)
	}
	c.replicationClient = replication.NewRetryer(connect, rc.RetryInterval, rc.RetryBackoffCoeff)
	return c.replicationClient
}
