package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點，所有邏輯在 internal/cli
// 2. 處理頂層錯誤與 panic recovery
// ============================================================================

/*
# 編譯
go build -o bin/claimqueue ./cmd/claimqueue

# 執行
./bin/claimqueue run -c configs/default.yaml
./bin/claimqueue claim --task t1 --user u1 --account a1
*/

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/claimqueue/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
