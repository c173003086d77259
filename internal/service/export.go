package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/iabetor/oratio/internal/errs"
	"github.com/iabetor/oratio/internal/logger"
)

// ExportAudioArchive 将指定任务的音频文件以 deflate 压缩写入 zip 归档，条目名为原文件名。
// 没有任何任务对应到现存文件时返回 ErrNotFound，此时 w 未被写入。
func (s *Service) ExportAudioArchive(jobIDs []string, w io.Writer) (int, error) {
	paths := s.History.AudioFiles(jobIDs)
	if len(paths) == 0 {
		return 0, errs.NotFound("没有可导出的音频文件")
	}

	zw := zip.NewWriter(w)
	for _, p := range paths {
		if err := addFile(zw, p); err != nil {
			zw.Close()
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("[service] 写入归档失败: %w", err)
	}

	logger.Infof("[service] 已导出 %d 个音频文件", len(paths))
	return len(paths), nil
}

func addFile(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("[service] 打开 %s 失败: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("[service] 读取 %s 信息失败: %w", path, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("[service] 生成 %s 归档头失败: %w", path, err)
	}
	hdr.Name = filepath.Base(path)
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("[service] 创建归档条目 %s 失败: %w", hdr.Name, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("[service] 写入归档条目 %s 失败: %w", hdr.Name, err)
	}
	return nil
}
