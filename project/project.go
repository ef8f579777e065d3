package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/projectapi-go/projectapi"
)

var (
	// ErrNotATemplateProject is returned by OpenTemplate when the agent
	// reports a generated project.
	ErrNotATemplateProject = errors.New("project: not a template project")
	// ErrTemplateProject is returned by OpenGenerated when the agent reports a
	// template project.
	ErrTemplateProject = errors.New("project: template project given where a generated project is required")
)

type base struct {
	dir     string
	agent   *Agent
	info    projectapi.ServerInfo
	options projectapi.Options
	launch  []LaunchOption
}

func open(ctx context.Context, dir string, options projectapi.Options, launch []LaunchOption) (*base, error) {
	a, err := Launch(ctx, dir, launch...)
	if err != nil {
		return nil, err
	}
	info, err := a.Client().ServerInfoQuery(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return &base{dir: dir, agent: a, info: info, options: options, launch: launch}, nil
}

// Dir is the project directory.
func (b *base) Dir() string { return b.dir }

// Info is the agent's reply to server_info_query.
func (b *base) Info() projectapi.ServerInfo { return b.info }

// Client is the Client connected to the project's agent.
func (b *base) Client() *projectapi.Client { return b.agent.Client() }

// Close stops the project's agent.
func (b *base) Close() error { return b.agent.Close() }

// TemplateProject is a template that generates projects.
type TemplateProject struct {
	*base
}

// OpenTemplate launches the agent in dir and checks it serves a template.
// options are passed to every call.
func OpenTemplate(ctx context.Context, dir string, options projectapi.Options, launch ...LaunchOption) (*TemplateProject, error) {
	b, err := open(ctx, dir, options, launch)
	if err != nil {
		return nil, err
	}
	if !b.info.IsTemplate {
		_ = b.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotATemplateProject, dir)
	}
	return &TemplateProject{b}, nil
}

// GenerateProject generates a project in projectDir and opens it with the
// template's options and launch options.
func (p *TemplateProject) GenerateProject(ctx context.Context, modelLibraryFormatPath, standaloneCRTDir, projectDir string) (*GeneratedProject, error) {
	if err := p.Client().GenerateProject(ctx, modelLibraryFormatPath, standaloneCRTDir, projectDir, p.options); err != nil {
		return nil, err
	}
	return OpenGenerated(ctx, projectDir, p.options, p.launch...)
}

// GeneratedProject is a project that can be built, flashed and connected to.
type GeneratedProject struct {
	*base
}

// OpenGenerated launches the agent in dir and checks it serves a generated
// project.
func OpenGenerated(ctx context.Context, dir string, options projectapi.Options, launch ...LaunchOption) (*GeneratedProject, error) {
	b, err := open(ctx, dir, options, launch)
	if err != nil {
		return nil, err
	}
	if b.info.IsTemplate {
		_ = b.Close()
		return nil, fmt.Errorf("%w: %s", ErrTemplateProject, dir)
	}
	return &GeneratedProject{b}, nil
}

func (p *GeneratedProject) Build(ctx context.Context) error {
	return p.Client().Build(ctx, p.options)
}

func (p *GeneratedProject) Flash(ctx context.Context) error {
	return p.Client().Flash(ctx, p.options)
}

// Transport returns a transport tunneled through the agent. Open it before
// use.
func (p *GeneratedProject) Transport() *projectapi.Transport {
	return projectapi.NewTransport(p.Client(), p.options)
}

// GenerateProject generates projectDir from the template in templateDir and
// returns the opened generated project. The template's agent is stopped
// before returning.
func GenerateProject(ctx context.Context, templateDir, modelLibraryFormatPath, standaloneCRTDir, projectDir string, options projectapi.Options, launch ...LaunchOption) (*GeneratedProject, error) {
	tmpl, err := OpenTemplate(ctx, templateDir, options, launch...)
	if err != nil {
		return nil, err
	}
	gen, err := tmpl.GenerateProject(ctx, modelLibraryFormatPath, standaloneCRTDir, projectDir)
	if cerr := tmpl.Close(); err == nil && cerr != nil {
		_ = gen.Close()
		return nil, cerr
	}
	return gen, err
}
