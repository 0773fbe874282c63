// Command sbncngd runs the bouncer daemon: it loads a TOML config file
// describing the listener and each user's upstream, then serves
// downstream IRC clients until killed.
package main

import (
	"fmt"
	"log"
	"net"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/jessevdk/go-flags"

	"github.com/gunnarbeutner/sbncng"
)

type options struct {
	Config string `short:"c" long:"config" description:"path to the TOML config file" default:"sbncng.toml"`
	Listen string `short:"l" long:"listen" description:"override the listener_address config attribute"`
}

// fileConfig mirrors the on-disk TOML schema; its values are copied into
// an in-memory ConfigNode tree, under the same listener_address/users
// attribute names spec.md §6 names on the config root, so the core never
// depends on the file format directly.
type fileConfig struct {
	ListenerAddress []string `toml:"listener_address"`
	Users           map[string]userConfig
}

type userConfig struct {
	Password       string   `toml:"password"`
	ServerAddress  []string `toml:"server_address"`
	ServerPassword string   `toml:"server_password"`
	Nick           string   `toml:"nick"`
	Username       string   `toml:"username"`
	Realname       string   `toml:"realname"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(opts.Config, &fc); err != nil {
		log.Fatalf("sbncngd: reading %s: %v", opts.Config, err)
	}

	root := sbncng.NewConfigNode()
	if len(fc.ListenerAddress) == 2 {
		root.Set("listener_address", []any{fc.ListenerAddress[0], fc.ListenerAddress[1]})
	}

	logger := log.New(os.Stderr, "sbncngd: ", log.LstdFlags)
	proxy := sbncng.NewProxy(logger)

	users := root.Child("users")
	for name, uc := range fc.Users {
		node := users.Child(name)
		node.Set("password", uc.Password)
		if len(uc.ServerAddress) == 2 {
			node.Set("server_address", []any{uc.ServerAddress[0], uc.ServerAddress[1]})
		}
		if uc.ServerPassword != "" {
			node.Set("server_password", uc.ServerPassword)
		}
		if uc.Nick != "" {
			node.Set("nick", uc.Nick)
		}
		if uc.Username != "" {
			node.Set("username", uc.Username)
		}
		if uc.Realname != "" {
			node.Set("realname", uc.Realname)
		}
		proxy.LoadSession(name, node)
	}

	listenAddr := opts.Listen
	if listenAddr == "" {
		listenAddr = listenerAddress(root)
	}
	if listenAddr == "" {
		listenAddr = "0.0.0.0:9000"
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatalf("sbncngd: listen %s: %v", listenAddr, err)
	}
	fmt.Fprintf(os.Stderr, "sbncngd: listening on %s\n", listenAddr)

	if err := proxy.Serve(ln); err != nil {
		log.Fatalf("sbncngd: serve: %v", err)
	}
}

// listenerAddress reads the "listener_address": [host, port] config root
// attribute, returning "" if absent or malformed.
func listenerAddress(root sbncng.ConfigNode) string {
	raw := root.Get("listener_address", nil)
	arr, ok := raw.([]any)
	if !ok || len(arr) != 2 {
		return ""
	}
	host, _ := arr[0].(string)
	port, _ := arr[1].(string)
	if host == "" || port == "" {
		return ""
	}
	return net.JoinHostPort(host, port)
}
