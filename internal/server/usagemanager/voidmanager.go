package usagemanager

import "errors"

var ErrMangerIsVoid = errors.New("no usage database is configured")

// Voidmanager stands in when usage isn't persisted. Usage is dropped, queries fail.
type Voidmanager struct{}

func (v *Voidmanager) RecordUsage([]ChannelUsage) error { return nil }
func (v *Voidmanager) ListAllChannels() ([]ChannelUsage, error) {
	return nil, ErrMangerIsVoid
}
func (v *Voidmanager) GetChannelUsage(uint32) (ChannelUsage, error) {
	return ChannelUsage{}, ErrMangerIsVoid
}
func (v *Voidmanager) DeleteChannel(uint32) error { return ErrMangerIsVoid }
func (v *Voidmanager) Close() error               { return nil }
