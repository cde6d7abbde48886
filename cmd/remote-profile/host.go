package main

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// browserHost はプロファイルディレクトリを使って起動したChrome
type browserHost struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// launchBrowser はprofileDirをユーザーデータディレクトリとしてChromeを起動し接続する
func launchBrowser(ctx context.Context, profileDir, bin string, headless bool) (*browserHost, error) {
	l := launcher.New().UserDataDir(profileDir).Headless(headless)
	if bin != "" {
		l = l.Bin(bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	return &browserHost{launcher: l, browser: browser}, nil
}

// open はurlを開いてロード完了を待つ
func (h *browserHost) open(url string) error {
	page, err := h.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	return page.WaitLoad()
}

// close はブラウザを終了する
// launcher.Cleanupはユーザーデータディレクトリを消すので呼ばない
func (h *browserHost) close() {
	_ = h.browser.Close()
	h.launcher.Kill()
}
