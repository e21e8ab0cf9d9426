package natsx

import (
	"PClient/logger"
	"PClient/service/bus"
)

// Bridge 把核心总线事件镜像到 NATS，给走消息系统而不是进程内
// 订阅的外部协作方（通知中心、多窗口 UI）用。可选组件。
type Bridge struct {
	client *NatsxClient
	prefix string
	stop   func()
}

// StartBridge 订阅总线并转发，直到 Stop。
func StartBridge(b *bus.Bus, client *NatsxClient, prefix string) *Bridge {
	ch, cancel := b.Subscribe()
	br := &Bridge{client: client, prefix: prefix, stop: cancel}
	go func() {
		for ev := range ch {
			subject := prefix + "." + string(ev.Type)
			if err := client.PublishJSON(subject, ev); err != nil {
				logger.Warnf("[natsx] publish %s failed: %v", subject, err)
			}
		}
	}()
	return br
}

func (br *Bridge) Stop() {
	br.stop()
}
