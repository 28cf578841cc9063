// Package upload implements a resumable, concurrent chunked file upload.
//
// A file is split into fixed-size chunks, uploaded by a bounded worker pool,
// and assembled on the server once every chunk is confirmed. The file's
// content hash identifies the session, so re-selecting the same file after a
// crash or restart resumes where the previous run left off: locally recorded
// progress is merged with what the server reports before any chunk is sent.
//
// Typical use:
//
//	config := upload.DefaultConfig()
//	config.ServiceURL = "https://uploads.example.com"
//	session, err := upload.NewHTTPSession(config, logger)
//	if err != nil {
//		return err
//	}
//	if err := session.Start(ctx, "/path/to/archive.ipa"); err != nil {
//		return err
//	}
package upload
