// Package objectstore 把合成的音频文件镜像到 NATS JetStream 对象存储。
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/iabetor/oratio/internal/logger"
)

// NatsObjectStore 基于 JetStream 对象存储的音频镜像。
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New 创建或绑定名为 bucketName 的对象存储桶。
func New(js nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("oratio 音频文件 (%s)", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("[objectstore] 创建存储桶 %q 失败: %w", bucketName, err)
		}
		store, err = js.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("[objectstore] 绑定存储桶 %q 失败: %w", bucketName, err)
		}
	}

	logger.Infof("[objectstore] 音频镜像存储桶: %s", bucketName)
	return &NatsObjectStore{bucket: bucketName, store: store}, nil
}

// Upload 保存一个对象。
func (n *NatsObjectStore) Upload(_ context.Context, key string, data []byte) error {
	if _, err := n.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("[objectstore] 写入 %s/%s 失败: %w", n.bucket, key, err)
	}
	return nil
}

// UploadFile 以文件名为键上传本地文件。
func (n *NatsObjectStore) UploadFile(_ context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("[objectstore] 打开 %s 失败: %w", path, err)
	}
	defer f.Close()

	key := filepath.Base(path)
	if _, err := n.store.Put(&nats.ObjectMeta{Name: key}, f); err != nil {
		return fmt.Errorf("[objectstore] 写入 %s/%s 失败: %w", n.bucket, key, err)
	}
	return nil
}

// Download 读取一个对象。
func (n *NatsObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("[objectstore] 读取 %s/%s 失败: %w", n.bucket, key, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()
	if readErr != nil {
		return nil, fmt.Errorf("[objectstore] 读取 %s 内容失败: %w", key, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("[objectstore] 关闭 %s 失败: %w", key, closeErr)
	}
	return data, nil
}

// Delete 删除一个对象，对象不存在不视为错误。
func (n *NatsObjectStore) Delete(_ context.Context, key string) error {
	err := n.store.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("[objectstore] 删除 %s/%s 失败: %w", n.bucket, key, err)
	}
	return nil
}

// Keys 列出桶内所有对象名。
func (n *NatsObjectStore) Keys() ([]string, error) {
	infos, err := n.store.List()
	if err != nil {
		if errors.Is(err, nats.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("[objectstore] 列出 %s 失败: %w", n.bucket, err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Name)
	}
	return keys, nil
}
