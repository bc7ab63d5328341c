package di

import (
	"os"
	"path/filepath"

	"github.com/alpacahq/replica/applier"
	"github.com/alpacahq/replica/recovery"
	"github.com/alpacahq/replica/replication"
	"github.com/alpacahq/replica/utils"
	"github.com/alpacahq/replica/utils/log"
)

type Container struct {
	cfg               *utils.ReplicaConfig
	absRootDir        string
	recoveryStore     *recovery.Store
	applier           *applier.PebbleApplier
	session           *replication.Session
	replicationClient *replication.Retryer
}

func NewContainer(cfg *utils.ReplicaConfig) *Container {
	return &Container{cfg: cfg}
}

func (c *Container) GetAbsRootDir() string {
	if c.absRootDir != "" {
		return c.absRootDir
	}
	relRootDir := c.cfg.RootDirectory

	// rootDir is the absolute path to the data directory.
	// e.g. rootDir = "/var/lib/replica"
	rootDir, err := filepath.Abs(filepath.Clean(relRootDir))
	if err != nil {
		log.Error("Cannot take absolute path of root directory %s", err.Error())
	} else {
		log.Info("Root Directory: %s", rootDir)
		const ownerGroupAll = 0o770
		err = os.Mkdir(rootDir, ownerGroupAll)
		if err != nil && !os.IsExist(err) {
			log.Error("Could not create root directory: %s", err.Error())
			panic(err)
		}
	}
	c.absRootDir = rootDir
	return c.absRootDir
}

// GetStreamDir holds the overflow file segments.
func (c *Container) GetStreamDir() string {
	return filepath.Join(c.GetAbsRootDir(), "stream")
}

func (c *Container) GetRecoveryStore() *recovery.Store {
	if c.recoveryStore != nil {
		return c.recoveryStore
	}
	store, err := recovery.Open(filepath.Join(c.GetAbsRootDir(), "recovery"))
	if err != nil {
		log.Error("Could not open the recovery store: %s", err.Error())
		panic(err)
	}
	c.recoveryStore = store
	return store
}

func (c *Container) GetApplier() *applier.PebbleApplier {
	if c.applier != nil {
		return c.applier
	}
	c.applier = applier.NewPebbleApplier(c.GetRecoveryStore())
	return c.applier
}

// Close releases what the container opened. The session must be final.
func (c *Container) Close() error {
	if c.recoveryStore == nil {
		return nil
	}
	return c.recoveryStore.Close()
}
