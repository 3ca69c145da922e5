package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/smartbin/internal/flagx"
)

// parseFlags populates server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address (e.g., ":50051")
//	-m string   metrics bind address (e.g., ":9090")
//	-d string   PostgreSQL DSN, or "memory"
//	-s string   JWT HMAC secret key
//	-o string   offline store file ("" keeps the queue in memory)
//	-i int      store health check interval, seconds
//	-q int      offline queue drain interval, seconds
//	-y string   recognition scorer URL
//	-w int      recognition timeout, seconds
//	-n int      recognition concurrency
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// Duration flags are integers in seconds.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:],
		"-a", "-m", "-d", "-s", "-o", "-i", "-q", "-y", "-w", "-n", "-u", "-p", "-b", "-g", "-e",
	)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "address and port for metrics")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.OfflineStorePath, "o", config.OfflineStorePath, "offline store file")

	flagx.SecondsVar(fs, &config.HealthCheckInterval, "i", "health check interval (in seconds)")
	flagx.SecondsVar(fs, &config.DrainInterval, "q", "offline queue drain interval (in seconds)")

	fs.StringVar(&config.RecognitionURL, "y", config.RecognitionURL, "recognition scorer URL")
	flagx.SecondsVar(fs, &config.RecognitionTimeout, "w", "recognition timeout (in seconds)")
	fs.IntVar(&config.RecognitionConcurrency, "n", config.RecognitionConcurrency, "recognition concurrency")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
