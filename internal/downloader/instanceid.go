package downloader

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
)

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
// Workers tag their log records with it and the redis queue holds claims under it,
// so deliveries can be traced and recovered across replicas.
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
}

func workerID(instance string, n int) string {
	return instance + "/" + strconv.Itoa(n)
}
