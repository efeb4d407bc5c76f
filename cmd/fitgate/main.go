// Command fitgate はfitgateのAPIサーバー、ワーカー、マイグレーションを起動する。
//
// 使い方:
//
//	fitgate [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/fitgate/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fitgate: %v\n", err)
		os.Exit(1)
	}
}
