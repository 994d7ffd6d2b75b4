/*
Package process launches workers as local child processes.

The child's stdin, stdout and stderr are connected through pipes. The exit of the child is what ends a session: if processes it started keep stdout or stderr open, those are closed Command.WaitDelay after the child exits. The child is not bound to the context it was launched with; it runs until it exits or is killed.
*/
package process
