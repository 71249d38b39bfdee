// Package luahost runs plugins written as Lua scripts.
//
// A manifest whose main entry names a Lua file becomes a loadable
// plugin with no compiled code: the script runs in its own sandboxed
// interpreter and may define the global functions initialize(args),
// extensions_initialized(), delayed_initialize(), about_to_shutdown(),
// and remote_command(dir, args) to take part in the lifecycle. The
// sandbox opens only the base, table, string, and math libraries.
//
// A script whose about_to_shutdown() returns "async" finishes its
// shutdown later by calling host.shutdown_finished().
package luahost
