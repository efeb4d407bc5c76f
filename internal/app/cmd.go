package app

import (
	"fmt"
	"strings"
)

// Command はfitgateのサブコマンド。
type Command string

const (
	// CommandServe は起動ルーティングAPIを提供する。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションの掃除と権限キャッシュの更新を行う。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマを最新まで適用して終了する。DATABASE_URLだけで動く。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のサーバーの/healthを叩く。
	// distrolessイメージのHEALTHCHECK用で、設定の読み込みを伴わない。
	CommandHealthcheck Command = "healthcheck"
)

// commands はUsageに表示する順序。
var commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck}

var commandSummaries = map[Command]string{
	CommandServe:       "start the launch routing API (default)",
	CommandWorker:      "run session cleanup and entitlement refresh jobs",
	CommandMigrate:     "apply database migrations and exit",
	CommandHealthcheck: "check the local server's /health endpoint",
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。
// 綴り違いでAPIサーバーが起動しないよう、未知のサブコマンドはエラーにする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	cmd := Command(args[0])
	if _, ok := commandSummaries[cmd]; !ok {
		return "", fmt.Errorf("unknown command %q\n%s", args[0], Usage())
	}
	return cmd, nil
}

// RequiresConfig はconfig.Loadによるフル設定の読み込みが必要かを返す。
func (c Command) RequiresConfig() bool {
	return c == CommandServe || c == CommandWorker
}

// Usage はサブコマンドの一覧を返す。
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: fitgate <command>\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-12s %s\n", c, commandSummaries[c])
	}
	return b.String()
}
