package main

import (
	"github.com/matst80/echod/internal/config"
	"github.com/matst80/echod/internal/obs"
	"github.com/matst80/echod/internal/server"
)

// newPublisher returns a Redis stats publisher when an address is configured,
// or nil to keep stats in-process only.
func newPublisher(rc config.RedisConfig) (server.Publisher, error) {
	if rc.Addr == "" {
		obs.Info("stats.backend", obs.Fields{"type": "in-memory"})
		return nil, nil
	}
	obs.Info("stats.backend", obs.Fields{"type": "redis", "addr": rc.Addr, "db": rc.DB})
	p, err := server.NewRedisPublisher(rc.Addr, rc.Password, rc.DB, rc.KeyTTL)
	if err != nil {
		return nil, err
	}
	return p, nil
}
