package registry

import (
	"context"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "deliver:"

// Delivery fans frames out across server processes over Redis pub/sub. Each
// process subscribes to one channel per identity it holds locally; a frame
// addressed to an identity held elsewhere is published on that identity's
// channel and re-delivered locally by whichever process receives it.
//
// Publish returns whether any process was listening, which doubles as the
// reachability check the router needs before declaring a peer offline.
type Delivery struct {
	rdb    *redis.Client
	reg    *Registry
	log    *slog.Logger
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDelivery(rdb *redis.Client, reg *Registry, log *slog.Logger) *Delivery {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Delivery{
		rdb:    rdb,
		reg:    reg,
		log:    log,
		pubsub: rdb.Subscribe(ctx),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go d.run(ctx)
	return d
}

func channelName(role Role, identity string) string {
	return channelPrefix + string(role) + ":" + identity
}

// Watch subscribes this process to the identity's delivery channel. Called
// when a connection registers locally.
func (d *Delivery) Watch(ctx context.Context, role Role, identity string) error {
	return d.pubsub.Subscribe(ctx, channelName(role, identity))
}

func (d *Delivery) Unwatch(ctx context.Context, role Role, identity string) error {
	return d.pubsub.Unsubscribe(ctx, channelName(role, identity))
}

// Publish sends data on the identity's channel and reports whether at least
// one process received it.
func (d *Delivery) Publish(ctx context.Context, role Role, identity string, data []byte) (bool, error) {
	n, err := d.rdb.Publish(ctx, channelName(role, identity), data).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *Delivery) run(ctx context.Context) {
	defer close(d.done)
	ch := d.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			role, identity, ok := parseChannel(msg.Channel)
			if !ok {
				continue
			}
			if !d.reg.SendLocal(role, identity, []byte(msg.Payload)) {
				// The identity unregistered between our subscribe and this
				// message; the frame is dropped, matching local-send semantics
				// for a peer that just went away.
				d.log.Debug("fanout frame for departed identity", "role", role, "identity", identity)
			}
		}
	}
}

func parseChannel(ch string) (Role, string, bool) {
	rest, ok := strings.CutPrefix(ch, channelPrefix)
	if !ok {
		return "", "", false
	}
	roleStr, identity, ok := strings.Cut(rest, ":")
	if !ok || identity == "" {
		return "", "", false
	}
	switch Role(roleStr) {
	case RoleDevice, RoleViewer:
		return Role(roleStr), identity, true
	}
	return "", "", false
}

func (d *Delivery) Close() error {
	d.cancel()
	err := d.pubsub.Close()
	<-d.done
	return err
}
