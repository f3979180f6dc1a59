package ble

import (
	"context"
	"errors"
	"time"
)

// ackWriteTimeout bounds a write request sent through BlueZ. The session
// applies its own, usually shorter, operation timeout on top.
const ackWriteTimeout = 30 * time.Second

var errNoAckWriter = errors.New("ble: write with response needs BlueZ on linux")

// tinygo/bluetooth's BlueZ backend only implements write without response,
// so write requests go through the flag source when it can issue them.
func (a *TinyGoAdapter) canWriteWithResponse() bool {
	_, ok := a.flags.(AckWriter)
	return ok
}

func (c *tinygoCharacteristic) Write(data []byte) (int, error) {
	w, ok := c.conn.adapter.flags.(AckWriter)
	if !ok {
		return 0, errNoAckWriter
	}
	ctx, cancel := context.WithTimeout(context.Background(), ackWriteTimeout)
	defer cancel()
	if err := w.WriteCharacteristic(ctx, c.conn.address, c.uuid, data); err != nil {
		return 0, err
	}
	return len(data), nil
}
