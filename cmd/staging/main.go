package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/gfxutils/staging/upload"
	"github.com/gfxutils/staging/upload/hostmem"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

var rootCmd = &cobra.Command{
	Use:   "staging",
	Short: "Tools for exercising the GPU upload pool against a host-memory backend",
}

var (
	benchCount     int
	benchSize      int
	benchAlignment uint
	benchChunkSize int
	benchSeed      int64
	benchVerbose   bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run an upload workload against a host-backed pool and print its stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if benchVerbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))

		allocator := hostmem.New(logger)
		pool, err := upload.New(upload.PoolCreateInfo{
			Allocator: allocator,
			Logger:    logger,
			Name:      "bench",
			ChunkSize: benchChunkSize,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := pool.Destroy(); err != nil {
				logger.Error("failed to destroy pool", slog.Any("error", err))
			}
		}()

		rng := rand.New(rand.NewSource(benchSeed))
		data := make([]byte, benchSize)

		for i := 0; i < benchCount; i++ {
			rng.Read(data)

			if benchAlignment > 0 {
				_, err = pool.UploadAligned(data, benchAlignment)
			} else {
				_, err = pool.Upload(data)
			}
			if err != nil {
				return err
			}
		}

		writer := jwriter.NewWriter()
		pool.BuildStatsJSON(&writer)
		if writer.Error() != nil {
			return writer.Error()
		}

		fmt.Println(string(writer.Bytes()))
		return nil
	},
}

func init() {
	benchCmd.Flags().IntVarP(&benchCount, "count", "c", 1024, "number of uploads to perform")
	benchCmd.Flags().IntVarP(&benchSize, "size", "s", 256, "size in bytes of each upload")
	benchCmd.Flags().UintVarP(&benchAlignment, "alignment", "a", 0, "explicit power-of-two alignment (0 uses natural alignment)")
	benchCmd.Flags().IntVar(&benchChunkSize, "chunk-size", 0, "buffer object chunk size in bytes (0 uses the default)")
	benchCmd.Flags().Int64Var(&benchSeed, "seed", 1, "seed for the upload payload generator")
	benchCmd.Flags().BoolVarP(&benchVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
