// Command feedtap subscribes to a running gateway and prints the updates it
// receives, one JSON line per update. With -price it prints the feed id and
// the scaled price instead.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"

	"hermesgw/config"
	"hermesgw/internal/gateway"
	"hermesgw/logger"
	"hermesgw/models"
)

func main() {
	log := logger.GetLogger()

	ids := flag.String("ids", "", "Comma separated feed ids to subscribe to")
	count := flag.Int("n", 0, "Exit after this many updates (0 runs until interrupted)")
	human := flag.Bool("price", false, "Print the feed id and scaled price instead of raw JSON")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s -ids id[,id...] [ws [address] | ipc [path]]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	feeds, err := parseIDs(*ids)
	if err != nil {
		log.WithError(err).Error("invalid feed ids")
		os.Exit(2)
	}

	kind, target, err := parseTarget(flag.Args())
	if err != nil {
		log.WithError(err).Error("invalid arguments")
		flag.Usage()
		os.Exit(2)
	}

	request, err := json.Marshal(models.Subscription{IDs: feeds})
	if err != nil {
		log.WithError(err).Error("failed to encode request")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var next func() ([]byte, error)
	var closeFn func() error
	switch kind {
	case gateway.KindWebSocket:
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+target+"/", nil)
		if err != nil {
			log.WithError(err).WithField("target", target).Error("failed to connect")
			os.Exit(1)
		}
		if err := conn.WriteMessage(websocket.TextMessage, request); err != nil {
			log.WithError(err).Error("failed to send subscription")
			os.Exit(1)
		}
		next = func() ([]byte, error) {
			_, data, err := conn.ReadMessage()
			return data, err
		}
		closeFn = conn.Close
	case gateway.KindIPC:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", target)
		if err != nil {
			log.WithError(err).WithField("target", target).Error("failed to connect")
			os.Exit(1)
		}
		if _, err := conn.Write(request); err != nil {
			log.WithError(err).Error("failed to send subscription")
			os.Exit(1)
		}
		next = func() ([]byte, error) { return gateway.ReadFrame(conn) }
		closeFn = conn.Close
	}

	go func() {
		<-ctx.Done()
		closeFn()
	}()

	log.WithFields(logger.Fields{
		"transport": kind.String(),
		"target":    target,
		"feeds":     len(feeds),
	}).Info("subscribed")

	for received := 0; *count == 0 || received < *count; received++ {
		payload, err := next()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("connection closed")
			}
			return
		}
		if !*human {
			fmt.Println(string(payload))
			continue
		}
		line, err := formatPrice(payload)
		if err != nil {
			log.WithError(err).Warn("failed to format update")
			continue
		}
		fmt.Println(line)
	}
	closeFn()
}

// formatPrice renders an update as "<id> <price> ±<conf> @<publish_time>".
func formatPrice(payload []byte) (string, error) {
	update, err := models.DecodePriceUpdate(payload)
	if err != nil {
		return "", err
	}
	quote := update.PriceFeed.Price
	price, err := quote.Float64()
	if err != nil {
		return "", err
	}
	conf, err := models.Price{Price: quote.Conf, Expo: quote.Expo}.Float64()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %g ±%g @%d", update.PriceFeed.ID, price, conf, quote.PublishTime), nil
}

func parseIDs(raw string) ([]models.FeedID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("at least one id is required")
	}
	parts := strings.Split(raw, ",")
	ids := make([]models.FeedID, 0, len(parts))
	for _, p := range parts {
		id, err := models.ParseFeedID(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseTarget(args []string) (gateway.Kind, string, error) {
	if len(args) == 0 {
		return gateway.KindWebSocket, config.DefaultWSAddress, nil
	}
	kind, err := gateway.ParseKind(args[0])
	if err != nil {
		return 0, "", err
	}
	target := config.DefaultWSAddress
	if kind == gateway.KindIPC {
		target = config.DefaultIPCPath
	}
	if len(args) > 1 {
		target = args[1]
	}
	return kind, target, nil
}
