package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/keyaudit/pkg/credentials"
	"github.com/3leaps/keyaudit/pkg/jobregistry"
)

// processFiles extracts credentials from the job's files in upload order and
// hands the first valid triple to analyze.
func (c *Controller) processFiles(ctx context.Context, job *jobregistry.Job) {
	if !c.advance(job, jobregistry.JobStateRunning, nil) {
		return
	}

	rep := newReport()
	rep.uploaded(job.Files)

	var (
		creds  credentials.Credentials
		source string
		found  bool
	)
	for _, f := range job.Files {
		if ctx.Err() != nil {
			break
		}
		rep.processing(f.Name)

		res := c.extractor.ExtractFile(f.Name, f.Content)
		if res.OK {
			if err := res.Credentials.Validate(); err != nil {
				res = credentials.Failed("%s", err.Error())
			}
		}
		if !res.OK {
			c.logger.Debug("No credentials in file",
				zap.String("job_id", job.JobID),
				zap.String("file", f.Name),
				zap.String("reason", res.Reason))
			rep.failed(res.Reason)
			continue
		}

		creds, source, found = res.Credentials, f.Name, true
		rep.extracted(creds)
		break
	}

	if !found {
		if err := ctx.Err(); err != nil {
			c.advance(job, jobregistry.JobStateFailed, func(j *jobregistry.Job) {
				j.Error = err.Error()
			})
			return
		}
		rep.noCredentials()
		c.logger.Info("Credential extraction failed",
			zap.String("job_id", job.JobID),
			zap.Int("files", len(job.Files)))
		c.advance(job, jobregistry.JobStateFailed, func(j *jobregistry.Job) {
			j.Output = rep.String()
			j.Error = MsgExtractionFailed
		})
		return
	}

	rep.analysisStarting()
	c.advance(job, jobregistry.JobStateRunning, func(j *jobregistry.Job) {
		j.Output = rep.String()
		j.CredentialSource = &jobregistry.CredentialSource{
			File:          source,
			AccessKeyHint: creds.Hint(),
			Region:        creds.Region,
		}
	})
	c.logger.Info("Extracted credentials",
		zap.String("job_id", job.JobID),
		zap.String("file", source),
		zap.String("access_key", creds.Hint()))

	c.analyze(ctx, job, creds, rep)
}

// analyze runs the optional preflight and then the analysis, recording the
// terminal state. rep is nil for jobs submitted with typed credentials.
func (c *Controller) analyze(ctx context.Context, job *jobregistry.Job, creds credentials.Credentials, rep *report) {
	if c.preflight != nil {
		id, err := c.preflight.Check(ctx, creds)
		if err != nil {
			c.logger.Warn("Identity preflight failed",
				zap.String("job_id", job.JobID),
				zap.Error(err))
			c.advance(job, jobregistry.JobStateFailed, func(j *jobregistry.Job) {
				j.Error = err.Error()
			})
			return
		}
		c.logger.Info("Verified identity",
			zap.String("job_id", job.JobID),
			zap.String("account", id.Account),
			zap.String("arn", id.ARN))
		if rep != nil {
			rep.verified(id.ARN)
			c.advance(job, jobregistry.JobStateRunning, func(j *jobregistry.Job) {
				j.Output = rep.String()
			})
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	res, err := c.analyzer.Run(ctx, job.JobID, creds)
	if err != nil {
		c.logger.Info("Analysis failed",
			zap.String("job_id", job.JobID),
			zap.Error(err))
		c.advance(job, jobregistry.JobStateFailed, func(j *jobregistry.Job) {
			j.Error = err.Error()
		})
		return
	}

	stdout := ""
	if res != nil {
		stdout = res.Stdout
	}
	c.logger.Info("Analysis completed",
		zap.String("job_id", job.JobID),
		zap.Int("output_bytes", len(stdout)))
	c.advance(job, jobregistry.JobStateCompleted, func(j *jobregistry.Job) {
		j.Output = stdout
		j.Error = ""
	})
}
