package usagemanager

import (
	"encoding/binary"

	"github.com/cbeuw/chanmux/internal/common"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var u32 = binary.BigEndian.Uint32
var u64 = binary.BigEndian.Uint64

func i64ToB(value int64) []byte {
	oct := make([]byte, 8)
	binary.BigEndian.PutUint64(oct, uint64(value))
	return oct
}

func channelKey(channelID uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, channelID)
	return key
}

var (
	keyPacketsReceived  = []byte("PacketsReceived")
	keyBytesReceived    = []byte("BytesReceived")
	keyPacketsSent      = []byte("PacketsSent")
	keyBytesSent        = []byte("BytesSent")
	keyPacketsDelivered = []byte("PacketsDelivered")
	keyLastActive       = []byte("LastActive")
)

// localManager keeps usage in a bbolt database, one bucket per channel
type localManager struct {
	db    *bolt.DB
	world common.WorldState
}

func MakeLocalManager(dbPath string, worldState common.WorldState) (*localManager, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	ret := &localManager{
		db:    db,
		world: worldState,
	}
	return ret, nil
}

func getInt64(bucket *bolt.Bucket, key []byte) int64 {
	v := bucket.Get(key)
	if len(v) != 8 {
		return 0
	}
	return int64(u64(v))
}

func addInt64(bucket *bolt.Bucket, key []byte, delta int64) error {
	return bucket.Put(key, i64ToB(getInt64(bucket, key)+delta))
}

func usageOf(channelKey []byte, bucket *bolt.Bucket) ChannelUsage {
	return ChannelUsage{
		ChannelID:        u32(channelKey),
		PacketsReceived:  getInt64(bucket, keyPacketsReceived),
		BytesReceived:    getInt64(bucket, keyBytesReceived),
		PacketsSent:      getInt64(bucket, keyPacketsSent),
		BytesSent:        getInt64(bucket, keyBytesSent),
		PacketsDelivered: getInt64(bucket, keyPacketsDelivered),
		LastActive:       getInt64(bucket, keyLastActive),
	}
}

func (manager *localManager) RecordUsage(deltas []ChannelUsage) error {
	if len(deltas) == 0 {
		return nil
	}
	return manager.db.Update(func(tx *bolt.Tx) error {
		for _, delta := range deltas {
			bucket, err := tx.CreateBucketIfNotExists(channelKey(delta.ChannelID))
			if err != nil {
				return err
			}
			for _, kv := range []struct {
				key   []byte
				delta int64
			}{
				{keyPacketsReceived, delta.PacketsReceived},
				{keyBytesReceived, delta.BytesReceived},
				{keyPacketsSent, delta.PacketsSent},
				{keyBytesSent, delta.BytesSent},
				{keyPacketsDelivered, delta.PacketsDelivered},
			} {
				if err := addInt64(bucket, kv.key, kv.delta); err != nil {
					log.Error(err)
				}
			}
			lastActive := delta.LastActive
			if lastActive == 0 {
				lastActive = manager.world.Now().Unix()
			}
			if err := bucket.Put(keyLastActive, i64ToB(lastActive)); err != nil {
				log.Error(err)
			}
		}
		return nil
	})
}

func (manager *localManager) ListAllChannels() (usages []ChannelUsage, err error) {
	err = manager.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(key []byte, bucket *bolt.Bucket) error {
			if len(key) != 4 {
				return nil
			}
			usages = append(usages, usageOf(key, bucket))
			return nil
		})
	})
	if usages == nil {
		usages = []ChannelUsage{}
	}
	return
}

func (manager *localManager) GetChannelUsage(channelID uint32) (usage ChannelUsage, err error) {
	err = manager.db.View(func(tx *bolt.Tx) error {
		key := channelKey(channelID)
		bucket := tx.Bucket(key)
		if bucket == nil {
			return ErrChannelNotFound
		}
		usage = usageOf(key, bucket)
		return nil
	})
	return
}

func (manager *localManager) DeleteChannel(channelID uint32) error {
	return manager.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(channelKey(channelID))
		if err == bolt.ErrBucketNotFound {
			return ErrChannelNotFound
		}
		return err
	})
}

func (manager *localManager) Close() error {
	return manager.db.Close()
}
